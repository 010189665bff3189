package resources

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// PackedResourcesMagic starts every packed resources blob.
var PackedResourcesMagic = []byte("pyembed-resources\x00v1\x00")

// ErrBadMagic is returned when a blob is not a packed resources table.
var ErrBadMagic = errors.New("not a packed resources blob")

// WritePackedResources writes the magic header followed by the msgpack
// encoded resource table. Map keys are sorted so identical tables encode
// identically.
func (r *CompiledResources) WritePackedResources(w io.Writer) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(PackedResourcesMagic); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	enc := msgpack.NewEncoder(bw)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(r.Resources); err != nil {
		return fmt.Errorf("encoding resources: %w", err)
	}
	return bw.Flush()
}

// PackedBytes returns the serialized table.
func (r *CompiledResources) PackedBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := r.WritePackedResources(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadPackedResources decodes a blob written by WritePackedResources.
func ReadPackedResources(rd io.Reader) ([]PackedResource, error) {
	br := bufio.NewReader(rd)
	header := make([]byte, len(PackedResourcesMagic))
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if !bytes.Equal(header, PackedResourcesMagic) {
		return nil, ErrBadMagic
	}
	var out []PackedResource
	if err := msgpack.NewDecoder(br).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding resources: %w", err)
	}
	return out, nil
}
