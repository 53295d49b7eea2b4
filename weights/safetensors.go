package weights

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// ErrUnavailable is returned when the pretrained weights cannot be found or
// downloaded.
var ErrUnavailable = errors.New("pretrained weights unavailable")

// maxHeaderSize guards against reading garbage as a header length.
const maxHeaderSize = 100 << 20

type Info struct {
	Name  string
	DType string
	Shape []int
	// Offsets are relative to the start of the data section.
	Offsets [2]int64
}

// Tensor is a weight decoded to float32.
type Tensor struct {
	Shape []int
	Data  []float32
}

type safetensorMetadata struct {
	Type    string  `json:"dtype"`
	Shape   []int   `json:"shape"`
	Offsets []int64 `json:"data_offsets"`
}

func dtypeSize(dtype string) (int64, error) {
	switch dtype {
	case "F32":
		return 4, nil
	case "F16", "BF16":
		return 2, nil
	default:
		return 0, fmt.Errorf("unsupported data type: %s", dtype)
	}
}

func readHeader(r io.Reader) ([]Info, int64, error) {
	var n int64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, 0, fmt.Errorf("failed to read header size: %w", err)
	}
	if n <= 0 || n > maxHeaderSize {
		return nil, 0, fmt.Errorf("invalid header size %d", n)
	}

	b := bytes.NewBuffer(make([]byte, 0, n))
	if _, err := io.CopyN(b, r, n); err != nil {
		return nil, 0, fmt.Errorf("failed to read header: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(b).Decode(&raw); err != nil {
		return nil, 0, fmt.Errorf("failed to parse header: %w", err)
	}

	keys := slices.Sorted(maps.Keys(raw))
	infos := make([]Info, 0, len(keys))
	for _, key := range keys {
		if key == "__metadata__" {
			continue
		}
		var meta safetensorMetadata
		if err := json.Unmarshal(raw[key], &meta); err != nil {
			return nil, 0, fmt.Errorf("tensor %s: %w", key, err)
		}
		if len(meta.Offsets) != 2 || meta.Offsets[1] < meta.Offsets[0] {
			return nil, 0, fmt.Errorf("tensor %s: invalid data offsets %v", key, meta.Offsets)
		}
		size, err := dtypeSize(meta.Type)
		if err != nil {
			return nil, 0, fmt.Errorf("tensor %s: %w", key, err)
		}
		if want := int64(count(meta.Shape)) * size; meta.Offsets[1]-meta.Offsets[0] != want {
			return nil, 0, fmt.Errorf("tensor %s: %d bytes for shape %v, want %d", key, meta.Offsets[1]-meta.Offsets[0], meta.Shape, want)
		}
		infos = append(infos, Info{
			Name:    key,
			DType:   meta.Type,
			Shape:   meta.Shape,
			Offsets: [2]int64{meta.Offsets[0], meta.Offsets[1]},
		})
	}
	return infos, 8 + n, nil
}

func count(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// List returns the tensor descriptors of a safetensors file sorted by name.
func List(path string) ([]Info, error) {
	f, err := open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	infos, _, err := readHeader(f)
	return infos, err
}

// Read decodes every tensor accepted by keep. A nil keep reads all tensors.
func Read(path string, keep func(name string) bool) (map[string]*Tensor, error) {
	f, err := open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	infos, base, err := readHeader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	ts := make(map[string]*Tensor)
	for _, info := range infos {
		if keep != nil && !keep(info.Name) {
			continue
		}
		data, err := decode(io.NewSectionReader(f, base+info.Offsets[0], info.Offsets[1]-info.Offsets[0]), info)
		if err != nil {
			return nil, fmt.Errorf("%s: tensor %s: %w", path, info.Name, err)
		}
		ts[info.Name] = &Tensor{Shape: info.Shape, Data: data}
	}
	return ts, nil
}

func open(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return nil, err
	}
	return f, nil
}

func decode(r io.Reader, info Info) ([]float32, error) {
	n := count(info.Shape)
	switch info.DType {
	case "F32":
		f32s := make([]float32, n)
		if err := binary.Read(r, binary.LittleEndian, f32s); err != nil {
			return nil, err
		}
		return f32s, nil
	case "F16":
		u16s := make([]uint16, n)
		if err := binary.Read(r, binary.LittleEndian, u16s); err != nil {
			return nil, err
		}
		f32s := make([]float32, n)
		for i := range u16s {
			f32s[i] = float16.Frombits(u16s[i]).Float32()
		}
		return f32s, nil
	case "BF16":
		u8s := make([]uint8, 2*n)
		if _, err := io.ReadFull(r, u8s); err != nil {
			return nil, err
		}
		return bfloat16.DecodeFloat32(u8s), nil
	default:
		return nil, fmt.Errorf("unknown data type: %s", info.DType)
	}
}

// Write stores tensors as a safetensors file. dtype is "F32", "F16" or "BF16".
func Write(path string, ts map[string]*Tensor, dtype string) error {
	size, err := dtypeSize(dtype)
	if err != nil {
		return err
	}
	keys := slices.Sorted(maps.Keys(ts))
	header := make(map[string]safetensorMetadata, len(keys))
	var offset int64
	for _, key := range keys {
		t := ts[key]
		if count(t.Shape) != len(t.Data) {
			return fmt.Errorf("tensor %s: shape %v does not match %d values", key, t.Shape, len(t.Data))
		}
		n := int64(len(t.Data)) * size
		header[key] = safetensorMetadata{Type: dtype, Shape: t.Shape, Offsets: []int64{offset, offset + n}}
		offset += n
	}

	hb, err := json.Marshal(header)
	if err != nil {
		return err
	}
	if pad := len(hb) % 8; pad != 0 {
		hb = append(hb, bytes.Repeat([]byte(" "), 8-pad)...)
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, int64(len(hb))); err != nil {
		return err
	}
	buf.Write(hb)
	for _, key := range keys {
		data := ts[key].Data
		switch dtype {
		case "F32":
			err = binary.Write(&buf, binary.LittleEndian, data)
		case "F16":
			f16s := make([]uint16, len(data))
			for i := range data {
				f16s[i] = float16.Fromfloat32(data[i]).Bits()
			}
			err = binary.Write(&buf, binary.LittleEndian, f16s)
		case "BF16":
			_, err = buf.Write(bfloat16.EncodeFloat32(data))
		}
		if err != nil {
			return err
		}
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
