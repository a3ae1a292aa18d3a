// Package canopen implements the CANopen services servolink needs on top of
// canbus: COB-ID helpers, NMT commands, heartbeat consumers, emergency
// messages and an SDO client supporting expedited and segmented transfers.
//
// Server is a small in-memory SDO server and heartbeat producer. It lets a
// LoopbackBus stand in for a drive in simulations and tests.
package canopen
