package model

import (
	"context"
	"time"

	"github.com/pavelanni/adaptest/internal/irt"
)

// UserRole represents a user's access level.
type UserRole string

const (
	// UserRoleProctor may run adaptive tests but not change item parameters.
	UserRoleProctor UserRole = "proctor"
	// UserRoleAdmin may also set and calibrate item parameters.
	UserRoleAdmin UserRole = "admin"
)

// User represents an API user.
type User struct {
	ID           int64
	Username     string
	DisplayName  string
	PasswordHash string
	Role         UserRole
	Active       bool
	CreatedAt    time.Time
}

// APIToken is a bearer token issued to a user.
type APIToken struct {
	ID        string
	UserID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

// StoredItem is an item's parameters as persisted, with the time of the last change.
type StoredItem struct {
	irt.ItemParameters
	Source    string    `json:"source"` // "manual", "import" or "calibration"
	UpdatedAt time.Time `json:"updated_at"`
}

// Parameter sources recorded with StoredItem.
const (
	SourceManual      = "manual"
	SourceImport      = "import"
	SourceCalibration = "calibration"
)

// TestResult is an archived, finalized adaptive test.
type TestResult struct {
	TestID             string         `json:"test_id"`
	StudentID          string         `json:"student_id"`
	Theta              float64        `json:"ability_estimate"`
	StandardError      float64        `json:"standard_error"`
	ItemCount          int            `json:"num_items_administered"`
	Percentile         float64        `json:"score_percentile"`
	ConfidenceInterval [2]float64     `json:"confidence_interval"`
	Responses          []irt.Response `json:"responses"`
	StartedAt          time.Time      `json:"started_at"`
	FinalizedAt        time.Time      `json:"finalized_at"`
}

// ServiceConfig holds runtime service parameters set via CLI flags.
type ServiceConfig struct {
	MinItems          int           // termination policy minimum
	MaxItems          int           // termination policy maximum
	TargetSE          float64       // termination policy standard error target
	SessionRetention  time.Duration // how long terminated sessions stay addressable
	MaxRequestBytes   int64         // request body limit
	EstimatorWorkers  int           // concurrent ability estimations
	EstimatorMaxIters int           // BFGS iteration cap
	TokenTTL          time.Duration // lifetime of issued bearer tokens
}

// SetItemRequest sets explicit parameters for an item.
type SetItemRequest struct {
	ItemID         string  `json:"item_id"`
	Difficulty     float64 `json:"difficulty"`
	Discrimination float64 `json:"discrimination"`
	Guessing       float64 `json:"guessing"`
}

// EstimateRequest asks for a one-off ability estimate.
type EstimateRequest struct {
	StudentID    string         `json:"student_id"`
	Responses    []irt.Response `json:"responses"`
	InitialTheta float64        `json:"initial_theta"`
}

// EstimateResponse is the result of EstimateRequest.
type EstimateResponse struct {
	StudentID        string  `json:"student_id"`
	Ability          float64 `json:"estimated_ability"`
	NumResponses     int     `json:"num_responses"`
	NegLogLikelihood float64 `json:"negative_log_likelihood"`
	Percentile       float64 `json:"score_percentile"`
}

// SubmitRequest carries one scored response.
type SubmitRequest struct {
	ItemID    string `json:"item_id"`
	IsCorrect bool   `json:"is_correct"`
}

// CalibrateRequest appends historical responses and recalibrates.
type CalibrateRequest struct {
	Records []irt.CalibrationRecord `json:"records"`
}

// CalibrateResponse lists the recalibrated items.
type CalibrateResponse struct {
	RecordsAdded int                  `json:"records_added"`
	RecordsTotal int                  `json:"records_total"`
	Items        []irt.ItemParameters `json:"items"`
}

// CreateUserRequest creates an API user.
type CreateUserRequest struct {
	Username    string   `json:"username"`
	DisplayName string   `json:"display_name"`
	Password    string   `json:"password"`
	Role        UserRole `json:"role"`
}

// SetUserActiveRequest enables or disables a user.
type SetUserActiveRequest struct {
	Active bool `json:"active"`
}

// TokenResponse carries a freshly issued bearer token.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
