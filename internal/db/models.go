package db

import (
	"time"

	"github.com/google/uuid"
)

// TripStatus is the lifecycle state of a trip
type TripStatus string

const (
	TripInProgress     TripStatus = "in-progress"
	TripCompleted      TripStatus = "completed"
	TripBypassed       TripStatus = "bypassed"
	TripInvoicePending TripStatus = "invoice-pending"
)

// Terminal reports whether no further transition is allowed from s
func (s TripStatus) Terminal() bool {
	return s != TripInProgress
}

// GPSStatus is the owner's telemetry state, written out-of-band by the GPS service
type GPSStatus int

const (
	GPSUnknown GPSStatus = iota
	GPSConnected
	GPSSearching
	GPSDisconnected
)

// ParseGPSStatus maps the stored text value onto GPSStatus. Anything unrecognized is GPSUnknown.
func ParseGPSStatus(s string) GPSStatus {
	switch s {
	case "Connected":
		return GPSConnected
	case "Searching":
		return GPSSearching
	case "Disconnected":
		return GPSDisconnected
	default:
		return GPSUnknown
	}
}

func (g GPSStatus) String() string {
	switch g {
	case GPSConnected:
		return "Connected"
	case GPSSearching:
		return "Searching"
	case GPSDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

func (g GPSStatus) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

func (g *GPSStatus) UnmarshalText(text []byte) error {
	*g = ParseGPSStatus(string(text))
	return nil
}

// Active reports whether GPS-based billing applies instead of ANPR billing
func (g GPSStatus) Active() bool {
	return g == GPSConnected || g == GPSSearching
}

// TransactionType of a ledger transaction
type TransactionType string

const TransactionDebit TransactionType = "debit"

// UnregisteredOwnerName is recorded on trips of vehicles not found in the registry
const UnregisteredOwnerName = "Unregistered"

// Trip is one vehicle's continuous presence in a toll zone
type Trip struct {
	ID                    uuid.UUID     `json:"id"`
	Plate                 string        `json:"plate"`
	OwnerID               uuid.NullUUID `json:"ownerId"`
	OwnerName             string        `json:"ownerName"`
	TollZoneID            string        `json:"tollZoneId"`
	TollZoneName          string        `json:"tollZoneName"`
	Status                TripStatus    `json:"status"`
	BypassReason          *string       `json:"bypassReason,omitempty"`
	TotalToll             int64         `json:"totalToll"`
	CameraCount           int           `json:"cameraCount"`
	StartTime             time.Time     `json:"startTime"`
	LastSightingTimestamp time.Time     `json:"lastSightingTimestamp"`
	ClosedAt              *time.Time    `json:"closedAt,omitempty"`
}

// Registered reports whether the trip references an owner
func (t *Trip) Registered() bool {
	return t.OwnerID.Valid
}

// Vehicle is a plate registered to an owner
type Vehicle struct {
	Plate           string `json:"vehicleNumber"`
	NormalizedPlate string `json:"normalizedPlate"`
	Model           string `json:"vehicleModel,omitempty"`
	Type            string `json:"vehicleType,omitempty"`
}

// Owner holds the wallet and the GPS status of a registered user
type Owner struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	WalletBalance int64     `json:"walletBalance"`
	GPSStatus     GPSStatus `json:"gpsStatus"`
	Vehicles      []Vehicle `json:"vehicles"`
}

// Transaction is an immutable ledger record; one per successful charge
type Transaction struct {
	ID          uuid.UUID       `json:"id"`
	TripID      uuid.UUID       `json:"tripId"`
	Amount      int64           `json:"amount"`
	Type        TransactionType `json:"type"`
	Timestamp   time.Time       `json:"timestamp"`
	UserID      uuid.UUID       `json:"userId"`
	Plate       string          `json:"plate"`
	Description string          `json:"description"`
}

// TollZone is a priced area covered by ANPR cameras
type TollZone struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	FlatRate int64  `json:"flatRate"`
}
