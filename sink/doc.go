// Package sink forwards device events from the event queue to external systems.
//
// A Pump subscribes to an eventq.Queue and writes each event to every configured Sink.
// The subpackages provide sinks for MQTT (mqttsink), InfluxDB (influxsink) and redis
// streams (redissink).
package sink
