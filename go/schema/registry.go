package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

var (
	// ErrUnknownEntity is returned for entity types the registry doesn't know.
	ErrUnknownEntity = errors.New("unknown entity type")
	// ErrUnknownVersion is returned for schema versions never registered
	// under an entity type.
	ErrUnknownVersion = errors.New("unknown schema version")
	// ErrNoMigrationPath is returned when a decoded version cannot be
	// stepped to the requested version, including all downgrades.
	ErrNoMigrationPath = errors.New("no migration path")
)

// MigrateFunc advances a decoded entity value by exactly one schema version.
type MigrateFunc func(value interface{}) (interface{}, error)

// Version is one registered schema version of an entity.
type Version struct {
	// New allocates the zero value of this version's representation.
	New func() interface{}
	// Next migrates a value of this version to the following version.
	// Nil for the entity's current version.
	Next MigrateFunc
}

// Registry indexes entity types, their versions, and the pairwise
// migrations between them. Decode always surfaces current-version values,
// so handlers never see a legacy shape.
type Registry struct {
	versions map[EntityType]map[int]Version
	current  map[EntityType]int
	byType   map[reflect.Type]typeVersion
	validate *validate
}

type typeVersion struct {
	name    EntityType
	version int
}

// NewRegistry returns a Registry with all ArcNet entities registered.
func NewRegistry() *Registry {
	var r = &Registry{
		versions: make(map[EntityType]map[int]Version),
		current:  make(map[EntityType]int),
		byType:   make(map[reflect.Type]typeVersion),
		validate: newValidate(),
	}

	r.MustRegister(TypeNodeTelemetry, 1, Version{
		New:  func() interface{} { return new(nodeTelemetryV1) },
		Next: migrateNodeTelemetryV1,
	})
	r.MustRegister(TypeNodeTelemetry, 2, Version{
		New: func() interface{} { return new(NodeTelemetry) },
	})

	r.MustRegister(TypeInferenceRequest, 1, Version{
		New:  func() interface{} { return new(inferenceRequestV1) },
		Next: migrateInferenceRequestV1,
	})
	r.MustRegister(TypeInferenceRequest, 2, Version{
		New: func() interface{} { return new(InferenceRequest) },
	})

	r.MustRegister(TypeTrainingJob, 1, Version{
		New:  func() interface{} { return new(trainingJobV1) },
		Next: migrateTrainingJobV1,
	})
	r.MustRegister(TypeTrainingJob, 2, Version{
		New: func() interface{} { return new(TrainingJob) },
	})

	r.MustRegister(TypeNodeDocument, 1, Version{
		New: func() interface{} { return new(NodeDocument) },
	})
	r.MustRegister(TypeDispatchCommand, 1, Version{
		New: func() interface{} { return new(DispatchCommand) },
	})
	r.MustRegister(TypePendingJob, 1, Version{
		New: func() interface{} { return new(PendingJob) },
	})
	r.MustRegister(TypeOrnlJob, 1, Version{
		New: func() interface{} { return new(OrnlJob) },
	})
	r.MustRegister(TypeFailedJob, 1, Version{
		New: func() interface{} { return new(FailedJob) },
	})
	r.MustRegister(TypeRegionalSummary, 1, Version{
		New: func() interface{} { return new(RegionalSummary) },
	})
	r.MustRegister(TypeDeadLetter, 1, Version{
		New: func() interface{} { return new(DeadLetter) },
	})

	return r
}

// Register adds a schema version of an entity. The highest registered
// version becomes the entity's current version.
func (r *Registry) Register(name EntityType, number int, v Version) error {
	if number < 1 {
		return fmt.Errorf("registering %s: version %d is not positive", name, number)
	} else if v.New == nil {
		return fmt.Errorf("registering %s v%d: Version.New is required", name, number)
	}

	var vs, ok = r.versions[name]
	if !ok {
		vs = make(map[int]Version)
		r.versions[name] = vs
	}
	if _, ok = vs[number]; ok {
		return fmt.Errorf("registering %s v%d: already registered", name, number)
	}
	vs[number] = v

	if number > r.current[name] {
		r.current[name] = number
	}
	r.byType[reflect.TypeOf(v.New())] = typeVersion{name: name, version: number}
	return nil
}

// MustRegister is Register, which panics on error.
func (r *Registry) MustRegister(name EntityType, number int, v Version) {
	if err := r.Register(name, number, v); err != nil {
		panic(err)
	}
}

// CurrentVersion returns the current (highest registered) version of the
// entity type.
func (r *Registry) CurrentVersion(name EntityType) (int, bool) {
	var n, ok = r.current[name]
	return n, ok
}

// TypeOf maps a Go entity value to its registered entity type and version.
func (r *Registry) TypeOf(value interface{}) (EntityType, int, bool) {
	var tv, ok = r.byType[reflect.TypeOf(value)]
	return tv.name, tv.version, ok
}

// Decode unmarshals a payload at its declared version, migrates it to the
// entity's current version, and validates it. The returned value is always
// a pointer to the current-version type.
func (r *Registry) Decode(name EntityType, version int, payload []byte) (interface{}, error) {
	var vs, ok = r.versions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, name)
	}
	var v, okVersion = vs[version]
	if !okVersion {
		return nil, fmt.Errorf("%w: %s v%d", ErrUnknownVersion, name, version)
	}

	var value = v.New()
	if err := json.Unmarshal(payload, value); err != nil {
		return nil, fmt.Errorf("unmarshaling %s v%d: %w", name, version, err)
	}

	value, err := r.Migrate(name, version, r.current[name], value)
	if err != nil {
		return nil, err
	}
	if err = r.Validate(value); err != nil {
		return nil, err
	}
	return value, nil
}

// Migrate steps a decoded value from one schema version to another by
// composing the registered pairwise migrations. Downgrades are not
// supported and return ErrNoMigrationPath.
func (r *Registry) Migrate(name EntityType, from, to int, value interface{}) (interface{}, error) {
	var vs, ok = r.versions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, name)
	} else if to < from {
		return nil, fmt.Errorf("%w: %s v%d -> v%d (downgrades unsupported)", ErrNoMigrationPath, name, from, to)
	}

	for n := from; n < to; n++ {
		var v, okVersion = vs[n]
		if !okVersion || v.Next == nil {
			return nil, fmt.Errorf("%w: %s v%d has no onward migration", ErrNoMigrationPath, name, n)
		}
		var err error
		if value, err = v.Next(value); err != nil {
			return nil, fmt.Errorf("migrating %s v%d: %w", name, n, err)
		}
	}
	return value, nil
}

// Validate checks an entity value against its declared rules.
func (r *Registry) Validate(value interface{}) error {
	return r.validate.check(value)
}
