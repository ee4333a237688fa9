// Package link implements the connection to a single robot or CNC device.
//
// A Connection owns one transport at a time, decodes the inbound byte stream with the codec of
// the device brand and matches acknowledgements to outstanding commands by correlation id.
//
// The connection lifecycle:
//
//	Idle -> Connecting -> Ready <-> Sending -> AwaitingAck -> Ready
//	Ready | Sending | AwaitingAck -> Faulted -> Reconnecting -> Ready
//	any open state -> Disconnecting -> Closed -> Connecting
//
// Only one command is outstanding at a time unless the device supports pipelining, in which
// case up to the configured in-flight limit may wait for acknowledgements concurrently.
//
// Example:
//
//	cfg, _ := link.NewConnectionConfig(link.WithAckTimeout(2*time.Second))
//	conn, _ := link.NewConnection(ctx, dev, codec.NewKUKA(), cfg)
//	if err := conn.Connect(ctx); err != nil {
//	    // handle error
//	}
//	fut, err := conn.Send(ctx, robot.NewCommand(dev.ID, []byte("PTP 10,20,30")))
//	if err != nil {
//	    // handle error
//	}
//	outcome, _ := fut.Wait(ctx)
package link
