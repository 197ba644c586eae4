// Package radio defines the short-range radio transport used for peer discovery.
//
// A Transport advertises the local identity, scans until exactly one
// qualifying peer is observed, and stops scanning or advertising on request.
// Concrete transports live in sub-packages:
//   - sim: in-memory shared medium for tests and demos
//   - udpbeacon: LAN multicast beacons standing in for a BLE radio
//
// Every transport must pass the radiotest conformance suite.
package radio
