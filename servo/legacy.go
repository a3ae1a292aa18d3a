package servo

import "context"

// RawRead reads a register.
//
// Deprecated: use Read.
func (s *Servo) RawRead(ctx context.Context, ref any, subnode uint8) (any, error) {
	return s.Read(ctx, ref, subnode)
}

// RawWrite writes a register.
//
// Deprecated: use Write.
func (s *Servo) RawWrite(ctx context.Context, ref any, value any, subnode uint8) error {
	return s.Write(ctx, ref, value, subnode)
}

// DictStorageRead fills register storage from the drive.
//
// Deprecated: use ReadStorage or SaveConfiguration.
func (s *Servo) DictStorageRead(ctx context.Context, subnode uint8) error {
	_, err := s.ReadStorage(ctx, subnode)
	return err
}

// DictStorageWrite writes register storage to the drive.
//
// Deprecated: use WriteStorage or LoadConfiguration.
func (s *Servo) DictStorageWrite(ctx context.Context, subnode uint8) error {
	_, err := s.WriteStorage(ctx, subnode)
	return err
}
