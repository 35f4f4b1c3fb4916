// services/hub/internal/core/errors.go
package core

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// BusinessError represents a business logic error with a code.
type BusinessError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e BusinessError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Kind groups business errors by how the transport should answer them.
type Kind int

const (
	KindValidation Kind = iota
	KindNotFound
	KindConflict
	KindIntegrity
	KindUnavailable
)

var (
	// Hub errors
	ErrHubNotFound           = BusinessError{"HUB_001", "hub not found"}
	ErrHubNotInZone          = BusinessError{"HUB_002", "hub is not assigned to any zone"}
	ErrHubMustBeInZone       = BusinessError{"HUB_003", "Hub must be in a zone to be initialized"}
	ErrHubNotInitialized     = BusinessError{"HUB_004", "hub has not been initialized"}
	ErrHubSerialNumberExists = BusinessError{"HUB_005", "hub with this serial number already exists"}

	// Sensor errors
	ErrSensorNotFound           = BusinessError{"SENSOR_001", "sensor not found"}
	ErrSensorSerialNumberExists = BusinessError{"SENSOR_002", "sensor with this serial number already exists"}
	ErrSensorNotOnHub           = BusinessError{"SENSOR_003", "sensor is not attached to this hub"}
	ErrInvalidSensorType        = BusinessError{"SENSOR_004", "unknown sensor type"}
	ErrInvalidSensorStatus      = BusinessError{"SENSOR_005", "unknown sensor status"}
	ErrInvalidSensorUnit        = BusinessError{"SENSOR_006", "unknown sensor unit"}

	// Park directory errors
	ErrZoneNotFound     = BusinessError{"PARK_001", "zone not found"}
	ErrFacilityNotFound = BusinessError{"PARK_002", "facility not found"}

	// Ingestion errors
	ErrInvalidPayloadSignature = BusinessError{"INGEST_001", "invalid payload signature"}
	ErrInvalidPayload          = BusinessError{"INGEST_002", "payload is not a valid sensor reading batch"}
	ErrInvalidReading          = BusinessError{"INGEST_003", "reading entry is invalid"}

	// Reading errors
	ErrNoReadings       = BusinessError{"READING_001", "no readings found for sensor"}
	ErrInvalidTimeRange = BusinessError{"READING_002", "invalid time range"}

	// Identifier errors
	ErrInvalidIdentifier  = BusinessError{"ID_001", "malformed identifier"}
	ErrGenerationConflict = BusinessError{"ID_002", "could not allocate a unique identifier number, retry later"}
	ErrInvalidRequest     = BusinessError{"REQ_001", "invalid request"}
)

var errorKinds = map[BusinessError]Kind{
	ErrHubNotFound:              KindNotFound,
	ErrSensorNotFound:           KindNotFound,
	ErrZoneNotFound:             KindNotFound,
	ErrFacilityNotFound:         KindNotFound,
	ErrNoReadings:               KindNotFound,
	ErrHubNotInZone:             KindConflict,
	ErrHubMustBeInZone:          KindConflict,
	ErrHubNotInitialized:        KindConflict,
	ErrHubSerialNumberExists:    KindConflict,
	ErrSensorSerialNumberExists: KindConflict,
	ErrSensorNotOnHub:           KindConflict,
	ErrInvalidPayloadSignature:  KindIntegrity,
	ErrGenerationConflict:       KindUnavailable,
}

// KindOf classifies err. Errors that are not business errors report ok=false.
func KindOf(err error) (Kind, bool) {
	var be BusinessError
	if !errors.As(err, &be) {
		return 0, false
	}
	if kind, ok := errorKinds[be]; ok {
		return kind, true
	}
	return KindValidation, true
}

// invalidf builds a validation error carrying the offending detail.
func invalidf(base BusinessError, format string, args ...interface{}) BusinessError {
	return BusinessError{Code: base.Code, Message: fmt.Sprintf("%s: %s", base.Message, fmt.Sprintf(format, args...))}
}

// isUniqueViolation detects unique constraint failures from PostgreSQL and SQLite.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}

// violatedColumn reports whether a unique violation concerns column.
func violatedColumn(err error, column string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.Contains(pgErr.ConstraintName, column) {
		return true
	}
	return strings.Contains(err.Error(), column)
}
