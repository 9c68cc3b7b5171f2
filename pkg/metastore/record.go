package metastore

import (
	"encoding/binary"
	"encoding/json"
)

// PartitionRecord is the bbolt value for a partition.
type PartitionRecord struct {
	FsID uint32 `json:"fs_id"`
	// Inode range [Start, End] served by the partition.
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
	// Log index the partition was created at.
	CreatedIndex uint64 `json:"created_index"`
}

// Encode serializes the PartitionRecord to JSON bytes.
func (r *PartitionRecord) Encode() []byte {
	data, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	return data
}

func DecodePartitionRecord(data []byte) *PartitionRecord {
	if len(data) == 0 {
		return nil
	}
	var r PartitionRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil
	}
	return &r
}

// partitionBucket names the bucket holding a partition's keys.
func partitionBucket(partitionID uint32) []byte {
	name := make([]byte, 0, len(partitionBucketPrefix)+4)
	name = append(name, partitionBucketPrefix...)
	return binary.BigEndian.AppendUint32(name, partitionID)
}

// EncodeUint32 converts a uint32 to big-endian bytes for bbolt keys.
func EncodeUint32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}

// DecodeUint32 converts big-endian bytes back to uint32.
func DecodeUint32(data []byte) uint32 {
	if len(data) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(data)
}

func EncodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func DecodeUint64(data []byte) uint64 {
	if len(data) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(data)
}
