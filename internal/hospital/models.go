// Package hospital holds the entities served by the backing services and
// the typed access layer the resolvers use: request-scoped loaders for
// reads and API calls for lists and writes.
package hospital

import "github.com/tjfontaine/hospital-gateway/internal/upstream"

// Backing service names, as configured under upstream.services.
const (
	ServiceDepartments  = "departments"
	ServiceDoctors      = "doctors"
	ServicePatients     = "patients"
	ServiceAppointments = "appointments"
)

type Department struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Description  *string `json:"description,omitempty"`
	HeadDoctorID *string `json:"headDoctorId,omitempty"`
	Floor        *int    `json:"floor,omitempty"`
	Phone        *string `json:"phone,omitempty"`
	CreatedAt    string  `json:"createdAt,omitempty"`
	UpdatedAt    string  `json:"updatedAt,omitempty"`
}

// DoctorStatus values reported by the doctors service.
const (
	DoctorAvailable = "AVAILABLE"
	DoctorBusy      = "BUSY"
	DoctorOffDuty   = "OFF_DUTY"
	DoctorOnLeave   = "ON_LEAVE"
)

type Doctor struct {
	ID                string  `json:"id"`
	FirstName         string  `json:"firstName"`
	LastName          string  `json:"lastName"`
	Email             string  `json:"email"`
	Phone             *string `json:"phone,omitempty"`
	Specialization    string  `json:"specialization"`
	DepartmentID      string  `json:"departmentId"`
	LicenseNumber     string  `json:"licenseNumber"`
	YearsOfExperience int     `json:"yearsOfExperience"`
	IsActive          bool    `json:"isActive"`
	Status            string  `json:"status"`
}

type EmergencyContact struct {
	Name         string `json:"name"`
	Relationship string `json:"relationship"`
	Phone        string `json:"phone"`
}

type Patient struct {
	ID               string            `json:"id"`
	FirstName        string            `json:"firstName"`
	LastName         string            `json:"lastName"`
	Email            string            `json:"email"`
	Phone            *string           `json:"phone,omitempty"`
	DateOfBirth      string            `json:"dateOfBirth"`
	Gender           *string           `json:"gender,omitempty"`
	BloodType        *string           `json:"bloodType,omitempty"`
	Address          *string           `json:"address,omitempty"`
	EmergencyContact *EmergencyContact `json:"emergencyContact,omitempty"`
}

// Appointment status values.
const (
	AppointmentScheduled  = "SCHEDULED"
	AppointmentConfirmed  = "CONFIRMED"
	AppointmentInProgress = "IN_PROGRESS"
	AppointmentCompleted  = "COMPLETED"
	AppointmentCancelled  = "CANCELLED"
	AppointmentNoShow     = "NO_SHOW"
)

type Appointment struct {
	ID              string  `json:"id"`
	PatientID       string  `json:"patientId"`
	DoctorID        string  `json:"doctorId"`
	ScheduledAt     string  `json:"scheduledAt"`
	DurationMinutes int     `json:"durationMinutes"`
	Status          string  `json:"status"`
	Reason          *string `json:"reason,omitempty"`
	Notes           *string `json:"notes,omitempty"`
}

// Page is one page of a paginated list endpoint.
type Page[T any] struct {
	Items      []T                  `json:"items"`
	Pagination *upstream.Pagination `json:"pagination"`
}

// DoctorDateKey is the composite key of the per-day schedule loader.
type DoctorDateKey struct {
	DoctorID string
	Date     string // YYYY-MM-DD
}
