package patient

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/hackgods/crm-appointment-sync/internal/crmtime"
	"github.com/hackgods/crm-appointment-sync/internal/keylock"
	"github.com/hackgods/crm-appointment-sync/internal/opendental"
	"github.com/hackgods/crm-appointment-sync/internal/syncerr"
)

// Resolver finds or creates the downstream patient for a CRM contact, at
// most once per (clinic, contact).
type Resolver struct {
	repo   Repository
	locker keylock.Locker
	logger *zap.Logger
}

func NewResolver(repo Repository, locker keylock.Locker, logger *zap.Logger) *Resolver {
	if locker == nil {
		locker = keylock.NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{repo: repo, locker: locker, logger: logger}
}

// Resolve returns the downstream patient number for id. Downstream failures
// are returned as is; local store failures wrap syncerr.ErrPersistence.
func (r *Resolver) Resolve(ctx context.Context, api opendental.API, id Identity, providerNum *int64) (int64, error) {
	var patNum int64
	key := fmt.Sprintf("patient:%s:%s", id.ClinicID, id.ContactID)

	err := r.locker.WithLock(ctx, key, func(ctx context.Context) error {
		n, err := r.resolve(ctx, api, id, providerNum)
		patNum = n
		return err
	})
	return patNum, err
}

func (r *Resolver) resolve(ctx context.Context, api opendental.API, id Identity, providerNum *int64) (int64, error) {
	logger := r.logger.With(
		zap.String("clinic_id", id.ClinicID.String()),
		zap.String("contact_id", id.ContactID),
	)

	shadow, err := r.repo.Reserve(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", syncerr.ErrPersistence, err)
	}
	if shadow.PatNum != nil {
		return *shadow.PatNum, nil
	}

	birthDate := crmtime.DateOnly(id.BirthDate)
	records, err := api.SearchPatients(ctx, id.LastName, birthDate)
	if err != nil {
		return 0, fmt.Errorf("search patients: %w", err)
	}

	var patNum int64
	if match, ok := FindMatch(records, id); ok {
		patNum = match.PatNum
		logger.Info("matched existing patient", zap.Int64("pat_num", patNum))
	} else {
		np := opendental.NewPatient{
			LName:         strings.TrimSpace(id.LastName),
			FName:         strings.TrimSpace(id.FirstName),
			Gender:        normalizeGender(id.Gender),
			Birthdate:     birthDate,
			Address:       id.Address,
			WirelessPhone: id.Phone,
			Email:         id.Email,
		}
		if providerNum != nil {
			np.PriProv = *providerNum
		}
		patNum, err = api.CreatePatient(ctx, np)
		if err != nil {
			return 0, fmt.Errorf("create patient: %w", err)
		}
		logger.Info("created patient", zap.Int64("pat_num", patNum))
	}

	persisted, err := r.repo.SetPatNum(ctx, shadow.ID, patNum)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", syncerr.ErrPersistence, err)
	}
	if persisted != patNum {
		logger.Warn("patient number already persisted by another writer",
			zap.Int64("ours", patNum),
			zap.Int64("persisted", persisted),
		)
	}
	return persisted, nil
}

// FindMatch picks the first record whose normalized last name and birth date
// equal the identity's, and whose first name does too when one is given.
func FindMatch(records []opendental.PatientRecord, id Identity) (opendental.PatientRecord, bool) {
	last := normalizeName(id.LastName)
	first := normalizeName(id.FirstName)
	dob := crmtime.DateOnly(id.BirthDate)

	for _, rec := range records {
		if normalizeName(rec.LName) != last {
			continue
		}
		if first != "" && normalizeName(rec.FName) != first {
			continue
		}
		if crmtime.DateOnly(rec.Birthdate) != dob {
			continue
		}
		return rec, true
	}
	return opendental.PatientRecord{}, false
}

func normalizeName(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) {
			return unicode.ToLower(r)
		}
		return -1
	}, s)
}

func normalizeGender(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "m", "male":
		return "Male"
	case "f", "female":
		return "Female"
	}
	return "Unknown"
}
