package metastore

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	flatbuffers "github.com/google/flatbuffers/go"

	"github.com/zztaki/curve/pkg/copyset"
	"github.com/zztaki/curve/pkg/gen/go/fb/metaop"
)

const oneKB = 1024

// Operation is a decoded MetaOperation.
type Operation struct {
	Type        metaop.OpType
	PartitionID uint32
	FsID        uint32
	Start       uint64
	End         uint64
	Key         []byte
	Value       []byte
}

// Kind returns the lower-case operation name, e.g. "put".
func (o *Operation) Kind() string {
	return strings.ToLower(o.Type.String())
}

var _ copyset.Operation = (*Operation)(nil)

// DecodeOperation parses a MetaOperation buffer. Key and value are copied
// out of data.
func DecodeOperation(data []byte) (op *Operation, err error) {
	// flatbuffers accessors panic on out of range offsets.
	defer func() {
		if r := recover(); r != nil {
			op, err = nil, fmt.Errorf("%w: %v", ErrMalformedOperation, r)
		}
	}()

	if len(data) < flatbuffers.SizeUOffsetT {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedOperation, len(data))
	}

	fb := metaop.GetRootAsMetaOperation(data, 0)
	op = &Operation{
		Type:        fb.Type(),
		PartitionID: fb.PartitionId(),
		FsID:        fb.FsId(),
		Start:       fb.Start(),
		End:         fb.End(),
		Key:         bytes.Clone(fb.KeyBytes()),
		Value:       bytes.Clone(fb.ValueBytes()),
	}

	switch op.Type {
	case metaop.OpTypeCREATE_PARTITION, metaop.OpTypeDELETE_PARTITION:
	case metaop.OpTypePUT, metaop.OpTypeDELETE:
		if len(op.Key) == 0 {
			return nil, fmt.Errorf("%w: %s without key", ErrMalformedOperation, op.Type)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, op.Type)
	}
	return op, nil
}

// Builder constructs MetaOperation buffers.
type Builder struct {
	pool sync.Pool
}

// NewBuilder creates a new operation builder.
func NewBuilder() *Builder {
	return &Builder{
		pool: sync.Pool{
			New: func() interface{} {
				return flatbuffers.NewBuilder(oneKB)
			},
		},
	}
}

func (b *Builder) getBuilder() *flatbuffers.Builder {
	return b.pool.Get().(*flatbuffers.Builder)
}

func (b *Builder) putBuilder(fb *flatbuffers.Builder) {
	fb.Reset()
	b.pool.Put(fb)
}

// finish copies the finished bytes out of the pooled builder.
func finish(builder *flatbuffers.Builder, root flatbuffers.UOffsetT) []byte {
	builder.Finish(root)
	data := builder.FinishedBytes()
	result := make([]byte, len(data))
	copy(result, data)
	return result
}

// BuildCreatePartition creates a CREATE_PARTITION operation.
func (b *Builder) BuildCreatePartition(partitionID, fsID uint32, start, end uint64) []byte {
	builder := b.getBuilder()
	defer b.putBuilder(builder)

	metaop.MetaOperationStart(builder)
	metaop.MetaOperationAddType(builder, metaop.OpTypeCREATE_PARTITION)
	metaop.MetaOperationAddPartitionId(builder, partitionID)
	metaop.MetaOperationAddFsId(builder, fsID)
	metaop.MetaOperationAddStart(builder, start)
	metaop.MetaOperationAddEnd(builder, end)
	return finish(builder, metaop.MetaOperationEnd(builder))
}

// BuildDeletePartition creates a DELETE_PARTITION operation.
func (b *Builder) BuildDeletePartition(partitionID uint32) []byte {
	builder := b.getBuilder()
	defer b.putBuilder(builder)

	metaop.MetaOperationStart(builder)
	metaop.MetaOperationAddType(builder, metaop.OpTypeDELETE_PARTITION)
	metaop.MetaOperationAddPartitionId(builder, partitionID)
	return finish(builder, metaop.MetaOperationEnd(builder))
}

// BuildPut creates a PUT operation.
func (b *Builder) BuildPut(partitionID uint32, key, value []byte) []byte {
	builder := b.getBuilder()
	defer b.putBuilder(builder)

	keyOffset := builder.CreateByteVector(key)
	valueOffset := builder.CreateByteVector(value)

	metaop.MetaOperationStart(builder)
	metaop.MetaOperationAddType(builder, metaop.OpTypePUT)
	metaop.MetaOperationAddPartitionId(builder, partitionID)
	metaop.MetaOperationAddKey(builder, keyOffset)
	metaop.MetaOperationAddValue(builder, valueOffset)
	return finish(builder, metaop.MetaOperationEnd(builder))
}

// BuildDelete creates a DELETE operation.
func (b *Builder) BuildDelete(partitionID uint32, key []byte) []byte {
	builder := b.getBuilder()
	defer b.putBuilder(builder)

	keyOffset := builder.CreateByteVector(key)

	metaop.MetaOperationStart(builder)
	metaop.MetaOperationAddType(builder, metaop.OpTypeDELETE)
	metaop.MetaOperationAddPartitionId(builder, partitionID)
	metaop.MetaOperationAddKey(builder, keyOffset)
	return finish(builder, metaop.MetaOperationEnd(builder))
}
