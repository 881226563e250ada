// Package influxdb records printer telemetry in InfluxDB v2.
//
// Every merged status report becomes one point in the printer_status
// measurement, and every reported transition one point in
// printer_transitions. Writes go through the non-blocking batched write API,
// so a slow or absent server never delays a device session. Write failures
// arrive asynchronously on the callback set with SetOnError.
//
// The package is optional: Connect returns ErrDisabled when influxdb.enabled
// is false and callers simply skip telemetry.
package influxdb
