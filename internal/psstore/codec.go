package psstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// encodeValues packs a float32 slice into a length-prefixed little-endian blob.
func encodeValues(values []float32) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, int32(len(values))); err != nil {
		return nil, fmt.Errorf("failed to write value count: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, values); err != nil {
		return nil, fmt.Errorf("failed to write values: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeValues is the inverse of encodeValues. An empty blob decodes to nil.
func decodeValues(data []byte) ([]float32, error) {
	if len(data) == 0 {
		return nil, nil
	}
	buf := bytes.NewReader(data)
	var n int32
	if err := binary.Read(buf, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("failed to read value count: %w", err)
	}
	if n < 0 || int(n)*4 > buf.Len() {
		return nil, fmt.Errorf("value count %d exceeds blob size %d", n, len(data))
	}
	values := make([]float32, n)
	if err := binary.Read(buf, binary.LittleEndian, values); err != nil {
		return nil, fmt.Errorf("failed to read values: %w", err)
	}
	return values, nil
}

// projectRows keeps the first width values of each row of a flat row-major
// slice with rows of rowWidth values.
func projectRows(values []float32, rowWidth, width int) []float32 {
	if rowWidth <= 0 || width >= rowWidth {
		return append([]float32(nil), values...)
	}
	rows := len(values) / rowWidth
	out := make([]float32, 0, rows*width)
	for r := 0; r < rows; r++ {
		out = append(out, values[r*rowWidth:r*rowWidth+width]...)
	}
	return out
}

// mergeRows writes embedding-only rows into the leading columns of full rows.
// When the row counts differ the existing rows are discarded and the slot
// and housekeeping columns start at zero.
func mergeRows(existing, embeddings []float32, rowWidth, width int) []float32 {
	rows := len(embeddings) / width
	var out []float32
	if len(existing) != rows*rowWidth {
		out = make([]float32, rows*rowWidth)
	} else {
		out = append([]float32(nil), existing...)
	}
	for r := 0; r < rows; r++ {
		copy(out[r*rowWidth:r*rowWidth+width], embeddings[r*width:(r+1)*width])
	}
	return out
}
