package transport

import "context"

type UnavailableReason string

const (
	ReasonPermission  UnavailableReason = "permission"
	ReasonUnsupported UnavailableReason = "unsupported"
	ReasonOther       UnavailableReason = "other"
)

type Availability struct {
	Available bool
	Reason    UnavailableReason
	Detail    string
}

// ScanFilter selects the peripheral to pair with. When NamePrefix is empty
// any device advertising one of ServiceIDs is accepted.
type ScanFilter struct {
	NamePrefix string
	ServiceIDs []string
}

type Peripheral struct {
	ID   string
	Name string
}

// Adapter is the platform radio: capability probe, discovery and GATT connect.
type Adapter interface {
	CheckAvailability(ctx context.Context) Availability
	Scan(ctx context.Context, filter ScanFilter) (Peripheral, error)
	Connect(ctx context.Context, p Peripheral) (Link, error)
}

// Link is one established GATT connection.
type Link interface {
	PrimaryService(ctx context.Context, serviceID string) (Service, error)
	// OnDisconnect registers the handler for hardware-initiated disconnects.
	OnDisconnect(handler func(err error))
	Disconnect(ctx context.Context) error
}

type Service interface {
	ID() string
	Characteristics(ctx context.Context) ([]Characteristic, error)
	Characteristic(ctx context.Context, id string) (Characteristic, error)
}

type Characteristic interface {
	ID() string
	Write(ctx context.Context, data []byte) error
	Subscribe(ctx context.Context, handler func(payload []byte)) (unsubscribe func() error, err error)
}
