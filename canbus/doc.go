// Package canbus provides the CAN transport used by servolink's CANopen
// network.
//
// It includes:
//   - A classical CAN Frame type with validation and SocketCAN binary layout
//   - A context-aware Bus interface
//   - An in-memory loopback bus backing the "virtual" device kind
//   - A frame multiplexer (Mux) with composable filters
//   - A slog-logging Bus decorator
//   - Device kind, channel and baudrate tables and a Linux SocketCAN driver
package canbus
