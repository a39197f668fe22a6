package supervisor

import (
	"encoding/json"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/afero"

	"github.com/nfrund/sphere/internal/errs"
)

// DescriptorFile is the name of the module descriptor inside a module
// directory.
const DescriptorFile = "package.json"

// DefaultMain is the entry point used when a descriptor names none.
const DefaultMain = "run"

var validate = validator.New()

// Descriptor is the parsed package.json of a module. MaxMemory is a budget
// in megabytes; zero means unlimited.
type Descriptor struct {
	Name        string            `json:"name" validate:"required"`
	Version     string            `json:"version"`
	Main        string            `json:"main"`
	Description string            `json:"description,omitempty"`
	MaxMemory   float64           `json:"maxMemory,omitempty" validate:"gte=0"`
	Topics      map[string]string `json:"topics,omitempty"`

	// Path is the module directory the descriptor was read from.
	Path string `json:"-"`
}

// ReadDescriptor loads and validates the descriptor in dir.
func ReadDescriptor(fs afero.Fs, dir string) (*Descriptor, error) {
	const op = "supervisor.ReadDescriptor"
	raw, err := afero.ReadFile(fs, filepath.Join(dir, DescriptorFile))
	if err != nil {
		return nil, errs.Wrap(errs.PackageDescriptor, op, err, "Module package.json was not loadable from %q", dir)
	}
	var d Descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, errs.Wrap(errs.PackageDescriptor, op, err, "Module package.json was not loadable from %q", dir)
	}
	if err := validate.Struct(&d); err != nil {
		return nil, errs.Wrap(errs.PackageDescriptor, op, err, "invalid package.json in %q", dir)
	}
	d.Path = dir
	return &d, nil
}

// EntryPoint is the executable to launch.
func (d *Descriptor) EntryPoint() string {
	main := d.Main
	if main == "" {
		main = DefaultMain
	}
	if filepath.IsAbs(main) {
		return main
	}
	return filepath.Join(d.Path, main)
}

// MaxMemoryBytes converts the budget to bytes, using 1 MB = 1 000 000 bytes.
func (d *Descriptor) MaxMemoryBytes() uint64 {
	return uint64(d.MaxMemory * 1000000)
}
