// Package config loads and validates guest host configuration files.
//
// A configuration names the bridge module, the guest environment and the
// scripts to run:
//
//	module: guest.wasm
//	home: /opt/guest
//	search_path: /opt/guest/lib
//	env:
//	  GUEST_MODE: batch
//	mounts:
//	  - host: ./scripts
//	    guest: /scripts
//	    read_only: true
//	scripts:
//	  - /scripts/main.py
//
// Absent home, search_path and bridge_library fields are passed to the
// guest as "use default"; an explicit empty string is passed as is.
package config

import (
	"bytes"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/reglet-dev/reglet-embed/domain/entities"
	"github.com/reglet-dev/reglet-embed/domain/errors"
)

// EnvPrefix is the prefix of environment variables read by FromViper.
const EnvPrefix = "GUESTHOST"

// Mount exposes a host directory inside the guest.
type Mount struct {
	Host     string `yaml:"host" json:"host" mapstructure:"host" validate:"required,nonul" jsonschema:"description=Host directory"`
	Guest    string `yaml:"guest" json:"guest" mapstructure:"guest" validate:"required,nonul,startswith=/" jsonschema:"description=Absolute path inside the guest"`
	ReadOnly bool   `yaml:"read_only,omitempty" json:"read_only,omitempty" mapstructure:"read_only"`
}

// File is a guest host configuration.
type File struct {
	Home          *string           `yaml:"home,omitempty" json:"home,omitempty" mapstructure:"home" validate:"omitempty,nonul" jsonschema:"description=Guest runtime home directory; omitted means inherit"`
	SearchPath    *string           `yaml:"search_path,omitempty" json:"search_path,omitempty" mapstructure:"search_path" validate:"omitempty,nonul" jsonschema:"description=Guest module search path; omitted means inherit"`
	BridgeLibrary *string           `yaml:"bridge_library,omitempty" json:"bridge_library,omitempty" mapstructure:"bridge_library" validate:"omitempty,nonul" jsonschema:"description=Integration library the guest loads at startup; omitted means default search"`
	Env           map[string]string `yaml:"env,omitempty" json:"env,omitempty" mapstructure:"env" validate:"dive,keys,required,nonul,excludes==,endkeys,nonul"`
	Module        string            `yaml:"module" json:"module" mapstructure:"module" validate:"required,nonul" jsonschema:"description=Path of the bridge WebAssembly module"`
	LogLevel      string            `yaml:"log_level,omitempty" json:"log_level,omitempty" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
	MetricsAddr   string            `yaml:"metrics_addr,omitempty" json:"metrics_addr,omitempty" mapstructure:"metrics_addr" validate:"omitempty,hostname_port"`
	ModuleDirs    []string          `yaml:"module_dirs,omitempty" json:"module_dirs,omitempty" mapstructure:"module_dirs" validate:"dive,required,nonul" jsonschema:"description=Directories searched for a relative module path"`
	Mounts        []Mount           `yaml:"mounts,omitempty" json:"mounts,omitempty" mapstructure:"mounts" validate:"dive"`
	Scripts       []string          `yaml:"scripts,omitempty" json:"scripts,omitempty" mapstructure:"scripts" validate:"dive,required,nonul"`
	Interruptible bool              `yaml:"interruptible,omitempty" json:"interruptible,omitempty" mapstructure:"interruptible" jsonschema:"description=Abort guest execution when the command is interrupted"`
}

// validate is shared; building a validator is expensive.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("nonul", func(fl validator.FieldLevel) bool {
		return !strings.ContainsRune(fl.Field().String(), 0)
	})
	return v
}

// ParseYAML decodes a YAML configuration. Unknown fields are rejected.
func ParseYAML(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !stdErrors.Is(err, io.EOF) {
		return nil, &errors.ConfigError{Err: err}
	}
	return &f, nil
}

// ReadFile reads and decodes the YAML configuration at path.
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errors.ConfigError{Err: err}
	}
	return ParseYAML(data)
}

// FromViper decodes the configuration assembled by v from its config file,
// GUESTHOST_* environment variables and bound flags.
func FromViper(v *viper.Viper) (*File, error) {
	var f File
	if err := v.Unmarshal(&f); err != nil {
		return nil, &errors.ConfigError{Err: err}
	}
	return &f, nil
}

// NewViper returns a viper instance wired for guest host configuration.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for _, key := range []string{"home", "search_path", "bridge_library", "module", "log_level", "metrics_addr", "interruptible"} {
		_ = v.BindEnv(key)
	}
	v.SetDefault("log_level", "info")
	return v
}

// Validate checks f. The first failing field is reported as a *errors.ConfigError.
func Validate(f *File) error {
	if f == nil {
		return &errors.ConfigError{Err: stdErrors.New("no configuration")}
	}
	err := validate.Struct(f)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if stdErrors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		field := strings.TrimPrefix(fe.Namespace(), "File.")
		return &errors.ConfigError{Field: field, Err: fmt.Errorf("failed on %q", fe.Tag())}
	}
	return &errors.ConfigError{Err: err}
}

// StartConfig returns the start configuration for the guest runtime.
func (f *File) StartConfig() entities.StartConfig {
	return entities.StartConfig{
		HomePath:          f.Home,
		SearchPath:        f.SearchPath,
		BridgeLibraryPath: f.BridgeLibrary,
	}.Clone()
}

// GenerateSchema returns the JSON schema of the configuration file.
func GenerateSchema() ([]byte, error) {
	reflector := jsonschema.Reflector{
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(&File{})

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return data, nil
}
