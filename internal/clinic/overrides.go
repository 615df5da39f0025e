package clinic

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Override replaces parts of a stored clinic's configuration. Zero fields
// leave the stored value alone.
type Override struct {
	Timezone    string                         `yaml:"timezone"`
	ProviderNum int64                          `yaml:"provider_num"`
	Operatories map[string]CalendarOperatories `yaml:"operatories"`
}

type OverrideFile struct {
	Clinics map[string]Override `yaml:"clinics"`
}

// LoadOverrides reads the operatory/provider override file. An empty path
// yields no overrides.
func LoadOverrides(path string) (map[uuid.UUID]Override, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read operatory map file: %w", err)
	}
	return ParseOverrides(raw)
}

func ParseOverrides(raw []byte) (map[uuid.UUID]Override, error) {
	var f OverrideFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse operatory map file: %w", err)
	}

	out := make(map[uuid.UUID]Override, len(f.Clinics))
	for key, ov := range f.Clinics {
		id, err := uuid.Parse(key)
		if err != nil {
			return nil, fmt.Errorf("operatory map file: clinic key %q: %w", key, err)
		}
		for cal, ops := range ov.Operatories {
			if len(ops.Scheduled) == 0 && len(ops.Completed) == 0 && ops.Cancelled == 0 {
				return nil, fmt.Errorf("operatory map file: clinic %s calendar %q has no operatories", id, cal)
			}
		}
		out[id] = ov
	}
	return out, nil
}

// OverlayRepository applies file overrides on top of another Repository.
type OverlayRepository struct {
	Repository
	overrides map[uuid.UUID]Override
	logger    *zap.Logger
}

func NewOverlayRepository(base Repository, overrides map[uuid.UUID]Override, logger *zap.Logger) *OverlayRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OverlayRepository{Repository: base, overrides: overrides, logger: logger}
}

func (r *OverlayRepository) GetByID(ctx context.Context, id uuid.UUID) (*Clinic, error) {
	c, err := r.Repository.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	r.apply(c)
	return c, nil
}

func (r *OverlayRepository) List(ctx context.Context) ([]Clinic, error) {
	clinics, err := r.Repository.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range clinics {
		r.apply(&clinics[i])
	}
	return clinics, nil
}

func (r *OverlayRepository) apply(c *Clinic) {
	ov, ok := r.overrides[c.ID]
	if !ok {
		return
	}
	if ov.Timezone != "" {
		c.Timezone = ov.Timezone
	}
	if ov.ProviderNum != 0 {
		p := ov.ProviderNum
		c.ProviderNum = &p
	}
	if len(ov.Operatories) > 0 {
		merged := make(OperatoryMap, len(c.Operatories)+len(ov.Operatories))
		for cal, ops := range c.Operatories {
			merged[cal] = ops
		}
		for cal, ops := range ov.Operatories {
			merged[cal] = ops
		}
		c.Operatories = merged
	}
	r.logger.Debug("applied clinic override", zap.String("clinic_id", c.ID.String()))
}
