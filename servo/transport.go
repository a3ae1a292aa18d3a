package servo

import (
	"context"
	"fmt"

	"github.com/notnil/servolink/canopen"
	"github.com/notnil/servolink/ecat"
	"github.com/notnil/servolink/mcb"
	"github.com/notnil/servolink/register"
)

// Transport moves encoded register values to and from one drive. Calls are
// serialized by the owning Servo.
type Transport interface {
	Read(ctx context.Context, r *register.Register) ([]byte, error)
	Write(ctx context.Context, r *register.Register, data []byte) error
	Close() error
}

func canAddress(r *register.Register) (register.CANAddress, error) {
	a, ok := r.Address().(register.CANAddress)
	if !ok {
		return register.CANAddress{}, fmt.Errorf("%w: %s has no index/subindex address", register.ErrInvalidArgument, r.ID())
	}
	return a, nil
}

// SDOTransport reaches a CANopen drive through SDO transfers.
type SDOTransport struct {
	client *canopen.SDOClient
	close  func() error
}

// NewSDOTransport wraps client. onClose, when set, runs on Close.
func NewSDOTransport(client *canopen.SDOClient, onClose func() error) *SDOTransport {
	return &SDOTransport{client: client, close: onClose}
}

func (t *SDOTransport) Read(ctx context.Context, r *register.Register) ([]byte, error) {
	a, err := canAddress(r)
	if err != nil {
		return nil, err
	}
	return t.client.Upload(ctx, a.Index, a.Subindex)
}

func (t *SDOTransport) Write(ctx context.Context, r *register.Register, data []byte) error {
	a, err := canAddress(r)
	if err != nil {
		return err
	}
	return t.client.Download(ctx, a.Index, a.Subindex, data)
}

func (t *SDOTransport) Close() error {
	if t.close != nil {
		return t.close()
	}
	return nil
}

// MCBTransport reaches an Ethernet drive through MCB frames.
type MCBTransport struct {
	client *mcb.Client
}

// NewMCBTransport wraps client. Close closes the client.
func NewMCBTransport(client *mcb.Client) *MCBTransport { return &MCBTransport{client: client} }

func mcbAddress(r *register.Register) (uint16, error) {
	a, ok := r.Address().(register.MCBAddress)
	if !ok {
		return 0, fmt.Errorf("%w: %s has no MCB address", register.ErrInvalidArgument, r.ID())
	}
	return uint16(a), nil
}

// Read returns the register value. Fixed-width values arrive padded to the
// frame's data field and are cut to their dtype size.
func (t *MCBTransport) Read(ctx context.Context, r *register.Register) ([]byte, error) {
	addr, err := mcbAddress(r)
	if err != nil {
		return nil, err
	}
	b, err := t.client.Read(ctx, r.Subnode(), addr)
	if err != nil {
		return nil, err
	}
	if n := r.DType().Size(); n > 0 && len(b) > n {
		b = b[:n]
	}
	return b, nil
}

func (t *MCBTransport) Write(ctx context.Context, r *register.Register, data []byte) error {
	addr, err := mcbAddress(r)
	if err != nil {
		return err
	}
	return t.client.Write(ctx, r.Subnode(), addr, data)
}

func (t *MCBTransport) Close() error { return t.client.Close() }

// CoETransport reaches an EtherCAT drive through CoE SDO transfers on its
// mailbox.
type CoETransport struct {
	mailbox *ecat.Mailbox
	close   func() error
}

// NewCoETransport wraps mb. onClose, when set, runs on Close.
func NewCoETransport(mb *ecat.Mailbox, onClose func() error) *CoETransport {
	return &CoETransport{mailbox: mb, close: onClose}
}

func (t *CoETransport) Read(ctx context.Context, r *register.Register) ([]byte, error) {
	a, err := canAddress(r)
	if err != nil {
		return nil, err
	}
	return t.mailbox.SDOUpload(ctx, a.Index, a.Subindex)
}

func (t *CoETransport) Write(ctx context.Context, r *register.Register, data []byte) error {
	a, err := canAddress(r)
	if err != nil {
		return err
	}
	return t.mailbox.SDODownload(ctx, a.Index, a.Subindex, data)
}

func (t *CoETransport) Close() error {
	if t.close != nil {
		return t.close()
	}
	return nil
}

var (
	_ Transport = (*SDOTransport)(nil)
	_ Transport = (*MCBTransport)(nil)
	_ Transport = (*CoETransport)(nil)
)
