package servo

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/notnil/servolink/codec"
	"github.com/notnil/servolink/dictfile"
	"github.com/notnil/servolink/register"
)

// Summary counts the registers handled by a bulk configuration pass.
type Summary struct {
	Done    int
	Failed  int
	Skipped int
}

func (s Summary) String() string {
	return fmt.Sprintf("%d done, %d failed, %d skipped", s.Done, s.Failed, s.Skipped)
}

func (s *Servo) requireDictionary() (*register.Dictionary, error) {
	d := s.Dictionary()
	if d == nil {
		return nil, register.ErrNoDictionaryLoaded
	}
	return d, nil
}

// configRegisters returns the ReadWrite registers of subnode, or of every
// subnode when subnode is 0.
func configRegisters(d *register.Dictionary, subnode uint8) []*register.Register {
	var out []*register.Register
	for _, sub := range d.Subnodes() {
		if subnode != 0 && sub != subnode {
			continue
		}
		for _, r := range d.Registers(sub) {
			if r.Access() == register.ReadWrite {
				out = append(out, r)
			}
		}
	}
	return out
}

// ReadStorage reads every ReadWrite register of subnode (0 for all) into its
// storage. Failing registers are logged and skipped.
func (s *Servo) ReadStorage(ctx context.Context, subnode uint8) (Summary, error) {
	d, err := s.requireDictionary()
	if err != nil {
		return Summary{}, err
	}
	var sum Summary
	for _, r := range configRegisters(d, subnode) {
		v, err := s.Read(ctx, r, r.Subnode())
		if err == nil {
			err = r.SetStorage(v)
		}
		if err != nil {
			if isClosed(err) || ctx.Err() != nil {
				return sum, err
			}
			s.log.Warn("register not read", "register", r.ID(), "subnode", r.Subnode(), "error", err)
			sum.Failed++
			continue
		}
		sum.Done++
	}
	return sum, nil
}

// WriteStorage writes the stored value of every ReadWrite register of
// subnode (0 for all). Registers without a stored value are skipped; failing
// ones are logged and skipped.
func (s *Servo) WriteStorage(ctx context.Context, subnode uint8) (Summary, error) {
	d, err := s.requireDictionary()
	if err != nil {
		return Summary{}, err
	}
	var sum Summary
	for _, r := range configRegisters(d, subnode) {
		v, ok := r.Storage()
		if !ok {
			sum.Skipped++
			continue
		}
		if err := s.Write(ctx, r, v, r.Subnode()); err != nil {
			if isClosed(err) || ctx.Err() != nil {
				return sum, err
			}
			s.log.Warn("register not written", "register", r.ID(), "subnode", r.Subnode(), "error", err)
			sum.Failed++
			continue
		}
		sum.Done++
	}
	return sum, nil
}

// identity reads the product code and revision number of the drive. A
// value that cannot be read falls back to the dictionary's.
func (s *Servo) identity(ctx context.Context, d *register.Dictionary) dictfile.Identity {
	id := dictfile.Identity{ProductCode: d.ProductCode, RevisionNumber: d.RevisionNumber}
	for _, f := range []struct {
		reg string
		dst *uint32
	}{
		{register.ProductCode, &id.ProductCode},
		{register.RevisionNumber, &id.RevisionNumber},
	} {
		v, err := s.Read(ctx, f.reg, 0)
		if err != nil {
			s.log.Warn("drive identity not read", "register", f.reg, "error", err)
			continue
		}
		if n, ok := v.(uint32); ok {
			*f.dst = n
		}
	}
	return id
}

// SaveConfiguration reads the ReadWrite registers of subnode (0 for all)
// from the drive and writes them to a configuration file at path, stamped
// with the drive's identity.
func (s *Servo) SaveConfiguration(ctx context.Context, path string, subnode uint8) (Summary, error) {
	sum, err := s.ReadStorage(ctx, subnode)
	if err != nil {
		return sum, err
	}
	id := s.identity(ctx, s.Dictionary())
	f, err := os.Create(path)
	if err != nil {
		return sum, err
	}
	if err := dictfile.SaveConfiguration(s.Dictionary(), f, subnode, id); err != nil {
		f.Close()
		return sum, err
	}
	if err := f.Close(); err != nil {
		return sum, err
	}
	s.log.Info("configuration saved", "path", path, "subnode", subnode, "summary", sum.String())
	return sum, nil
}

// LoadConfiguration writes the values of a configuration file to the drive.
// Only ReadWrite entries of subnode (0 for all) are applied; entries unknown
// to the dictionary or rejected by the drive are logged and skipped.
func (s *Servo) LoadConfiguration(ctx context.Context, path string, subnode uint8) (Summary, error) {
	d, err := s.requireDictionary()
	if err != nil {
		return Summary{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return Summary{}, err
	}
	fileID, entries, err := dictfile.ReadConfiguration(f)
	f.Close()
	if err != nil {
		return Summary{}, err
	}
	if driveID := s.identity(ctx, d); fileID.ProductCode != driveID.ProductCode {
		s.log.Warn("configuration file is for another drive",
			"file_product_code", fileID.ProductCode, "drive_product_code", driveID.ProductCode)
	}

	var sum Summary
	for _, e := range entries {
		if e.Access != register.ReadWrite || (subnode != 0 && e.Subnode != subnode) {
			sum.Skipped++
			continue
		}
		r, err := d.Register(e.ID, e.Subnode)
		if err == nil {
			var v any
			if v, err = codec.ParseString(r.DType(), e.Storage); err == nil {
				if err = s.Write(ctx, r, v, e.Subnode); err == nil {
					err = r.SetStorage(v)
				}
			}
		}
		if err != nil {
			if isClosed(err) || ctx.Err() != nil {
				return sum, err
			}
			s.log.Warn("configuration entry not applied", "register", e.ID, "subnode", e.Subnode, "error", err)
			sum.Failed++
			continue
		}
		sum.Done++
	}
	s.log.Info("configuration loaded", "path", path, "subnode", subnode, "summary", sum.String())
	return sum, nil
}

// StoreParameters makes the drive persist its parameters. Subnode 0 uses the
// drive-wide store register and falls back to every axis when the drive has
// none; each axis is reported independently in the joined error.
func (s *Servo) StoreParameters(ctx context.Context, subnode uint8) error {
	if subnode != 0 {
		return s.store(ctx, subnode)
	}
	err := s.store(ctx, 0)
	if err == nil {
		return nil
	}
	if isClosed(err) {
		return err
	}
	s.log.Debug("drive-wide store failed, storing per axis", "error", err)
	var errs []error
	for _, sub := range s.Subnodes() {
		if err := s.store(ctx, sub); err != nil {
			errs = append(errs, fmt.Errorf("subnode %d: %w", sub, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Servo) store(ctx context.Context, subnode uint8) error {
	if err := s.Write(ctx, register.StoreAll, register.StorePassword, subnode); err != nil {
		return err
	}
	s.log.Info("parameters stored", "subnode", subnode)
	return nil
}

// RestoreParameters restores the drive's factory parameters. They take
// effect after a power cycle.
func (s *Servo) RestoreParameters(ctx context.Context) error {
	if err := s.Write(ctx, register.RestoreAll, register.RestorePassword, 0); err != nil {
		return err
	}
	s.log.Info("parameters restored")
	return nil
}
