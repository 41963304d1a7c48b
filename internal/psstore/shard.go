package psstore

import (
	"errors"
	"fmt"

	"github.com/viant/bintly"
)

const shardFormatVersion = 1

var ErrShardFormat = errors.New("psstore: malformed shard file")

// shardFile is the on-disk form of one PS shard of one table.
type shardFile struct {
	Version      int
	TableID      int
	TableName    string
	PSID         int
	EmbeddingDim int
	ValueLen     int
	StepsToLive  int
	BucketSize   int
	Values       []float32 // row-major, ValueLen values per row
}

// EncodeBinary encodes the shard to a bintly stream.
func (s *shardFile) EncodeBinary(stream *bintly.Writer) error {
	if s.ValueLen > 0 && len(s.Values)%s.ValueLen != 0 {
		return fmt.Errorf("%w: %d values do not fill rows of %d", ErrShardFormat, len(s.Values), s.ValueLen)
	}
	stream.Int(s.Version)
	stream.Int(s.TableID)
	stream.String(s.TableName)
	stream.Int(s.PSID)
	stream.Int(s.EmbeddingDim)
	stream.Int(s.ValueLen)
	stream.Int(s.StepsToLive)
	stream.Int(s.BucketSize)
	stream.Int(len(s.Values))
	for _, v := range s.Values {
		stream.Float32(v)
	}
	return nil
}

// DecodeBinary decodes the shard from a bintly stream.
func (s *shardFile) DecodeBinary(stream *bintly.Reader) error {
	stream.Int(&s.Version)
	if s.Version != shardFormatVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrShardFormat, s.Version)
	}
	stream.Int(&s.TableID)
	stream.String(&s.TableName)
	stream.Int(&s.PSID)
	stream.Int(&s.EmbeddingDim)
	stream.Int(&s.ValueLen)
	stream.Int(&s.StepsToLive)
	stream.Int(&s.BucketSize)
	var n int
	stream.Int(&n)
	if n < 0 || (s.ValueLen > 0 && n%s.ValueLen != 0) {
		return fmt.Errorf("%w: %d values with row width %d", ErrShardFormat, n, s.ValueLen)
	}
	s.Values = make([]float32, n)
	for i := range s.Values {
		stream.Float32(&s.Values[i])
	}
	return nil
}

var (
	writers = bintly.NewWriters()
	readers = bintly.NewReaders()
)

func marshalShard(s *shardFile) ([]byte, error) {
	w := writers.Get()
	defer writers.Put(w)
	if err := s.EncodeBinary(w); err != nil {
		return nil, err
	}
	return append([]byte(nil), w.Bytes()...), nil
}

func unmarshalShard(data []byte) (*shardFile, error) {
	r := readers.Get()
	defer readers.Put(r)
	if err := r.FromBytes(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShardFormat, err)
	}
	s := &shardFile{}
	if err := s.DecodeBinary(r); err != nil {
		return nil, err
	}
	return s, nil
}
