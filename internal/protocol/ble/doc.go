// Package ble implements a Bluetooth Low Energy adapter over GATT.
//
// Devices are located by scanning: a filter built from the device params
// matches on advertised name, service UUID and a minimum RSSI, bounded by a
// scan timeout. After connecting, commands are written to a configured
// characteristic in MTU-sized chunks and the reply arrives as a notification
// on a second characteristic. One command may await a reply at a time;
// notifications arriving with no reader waiting surface as unsolicited
// device events.
package ble
