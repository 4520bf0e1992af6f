package local

import (
	"encoding/binary"
	"os"

	"github.com/pkg/errors"

	"github.com/go-go-golems/pocketllm/pkg/backend"
)

// ggufMagic is the little-endian uint32 spelling "GGUF" at offset 0 of every
// valid model file.
const ggufMagic uint32 = 0x46554747

// ValidateModelFile checks that path exists, is non-empty and starts with
// the GGUF magic. It returns backend.ErrInvalidModelFile on any mismatch so
// a bad download is rejected before the native runtime touches it.
func ValidateModelFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.Wrapf(backend.ErrInvalidModelFile, "stat %s: %v", path, err)
	}
	if info.IsDir() {
		return errors.Wrapf(backend.ErrInvalidModelFile, "%s is a directory", path)
	}
	if info.Size() < 4 {
		return errors.Wrapf(backend.ErrInvalidModelFile, "%s is too small (%d bytes)", path, info.Size())
	}

	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(backend.ErrInvalidModelFile, "open %s: %v", path, err)
	}
	defer func() { _ = f.Close() }()

	var magic uint32
	if err := binary.Read(f, binary.LittleEndian, &magic); err != nil {
		return errors.Wrapf(backend.ErrInvalidModelFile, "read magic from %s: %v", path, err)
	}
	if magic != ggufMagic {
		return errors.Wrapf(backend.ErrInvalidModelFile, "%s has magic 0x%08x, want 0x%08x", path, magic, ggufMagic)
	}
	return nil
}
