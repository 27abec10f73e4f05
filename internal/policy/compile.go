package policy

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"
)

//go:embed default.cue
var defaultCUE []byte

// CompileError reports an invalid policy declaration.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Default compiles the embedded policy set.
func Default() (*Registry, error) {
	return CompileSource("default.cue", defaultCUE)
}

// Load compiles the policy at path, which may be a .cue file or a directory
// holding one CUE package. An empty path yields the embedded defaults.
func Load(path string) (*Registry, error) {
	if path == "" {
		return Default()
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("policy path: %w", err)
	}
	if !info.IsDir() {
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read policy file: %w", err)
		}
		return CompileSource(path, src)
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: path})
	if len(instances) == 0 {
		return nil, fmt.Errorf("no CUE instances in %s", path)
	}
	if instances[0].Err != nil {
		return nil, formatCUEError(instances[0].Err)
	}
	return Compile(cuecontext.New().BuildInstance(instances[0]))
}

// CompileSource compiles CUE source text.
func CompileSource(filename string, src []byte) (*Registry, error) {
	v := cuecontext.New().CompileBytes(src, cue.Filename(filename))
	return Compile(v)
}

// Compile extracts entity policies from the value's top-level entity struct.
func Compile(v cue.Value) (*Registry, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	entities := v.LookupPath(cue.ParsePath("entity"))
	if !entities.Exists() {
		return nil, &CompileError{Field: "entity", Message: "entity struct is required", Pos: v.Pos()}
	}

	iter, err := entities.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var policies []EntityPolicy
	for iter.Next() {
		p, err := compileEntity(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	if len(policies) == 0 {
		return nil, &CompileError{Field: "entity", Message: "at least one entity type is required", Pos: entities.Pos()}
	}
	return NewRegistry(policies...), nil
}

func compileEntity(name string, v cue.Value) (EntityPolicy, error) {
	p := EntityPolicy{Type: name}

	category, err := v.LookupPath(cue.ParsePath("category")).String()
	if err != nil {
		return p, &CompileError{Field: name + ".category", Message: "category is required", Pos: v.Pos()}
	}
	switch c := Category(category); c {
	case CategoryDraft, CategorySignable, CategoryLocked:
		p.Category = c
	default:
		return p, &CompileError{Field: name + ".category", Message: fmt.Sprintf("unknown category %q", category), Pos: v.Pos()}
	}

	if p.Governed, err = stringList(v, "governed"); err != nil {
		return p, err
	}
	if p.Metadata, err = stringList(v, "metadata"); err != nil {
		return p, err
	}
	for _, m := range p.Metadata {
		for _, g := range p.Governed {
			if m == g {
				return p, &CompileError{
					Field:   name + ".metadata",
					Message: fmt.Sprintf("field %q cannot be both governed and metadata", m),
					Pos:     v.Pos(),
				}
			}
		}
	}

	if p.Category == CategoryLocked {
		p.LockTTL = DefaultLockTTL
	}
	ttlVal := v.LookupPath(cue.ParsePath("lock_ttl"))
	if ttlVal.Exists() {
		raw, err := ttlVal.String()
		if err != nil {
			return p, formatCUEError(err)
		}
		ttl, err := time.ParseDuration(raw)
		if err != nil || ttl <= 0 {
			return p, &CompileError{Field: name + ".lock_ttl", Message: fmt.Sprintf("invalid duration %q", raw), Pos: ttlVal.Pos()}
		}
		p.LockTTL = ttl
	}

	return p, nil
}

func stringList(v cue.Value, field string) ([]string, error) {
	lv := v.LookupPath(cue.ParsePath(field))
	if !lv.Exists() {
		return nil, nil
	}
	iter, err := lv.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, s)
	}
	return out, nil
}

// formatCUEError keeps the first error and its position.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{Field: "cue", Message: first.Error(), Pos: positions[0]}
	}
	return err
}
