package config

import (
	"os"

	"github.com/arloliu/go-robolink/eventq"
	"github.com/arloliu/go-robolink/link"
	"github.com/arloliu/go-robolink/logger"
	"github.com/arloliu/go-robolink/manager"
	"github.com/arloliu/go-robolink/robot"
	"github.com/arloliu/go-robolink/transport"
)

// NewLogger builds the logger selected by the logging section.
func (c *Config) NewLogger() logger.Logger {
	level, err := logger.ParseLevel(c.Logging.Level)
	if err != nil {
		level = logger.InfoLevel
	}

	if c.Logging.Format == "zerolog" {
		return logger.NewZerolog(os.Stdout, level)
	}

	return logger.NewSlog(level, c.Logging.AddSource)
}

// LinkOptions returns the connection options of the link section.
// The options are validated when a connection or manager is created.
func (c *Config) LinkOptions() []link.ConnOption {
	l := c.Link

	return []link.ConnOption{
		link.WithConnectTimeout(l.ConnectTimeout),
		link.WithMaxConnectAttempts(l.MaxConnectAttempts),
		link.WithAckTimeout(l.AckTimeout),
		link.WithCommandRetries(l.CommandRetries),
		link.WithMaxInFlight(l.MaxInFlight),
		link.WithAutoReconnect(l.AutoReconnect),
		link.WithMaxReconnectAttempts(l.MaxReconnectAttempts),
		link.WithBackoff(l.Backoff.Initial, l.Backoff.Max, l.Backoff.Multiplier),
		link.WithBackoffJitter(l.Backoff.Jitter),
		link.WithCloseTimeout(l.CloseTimeout),
		link.WithMaxBufferedBytes(l.MaxBufferedBytes),
	}
}

// RuntimeLinkOptions returns the link options that may change on a live connection.
func (c *Config) RuntimeLinkOptions() []link.ConnOption {
	return []link.ConnOption{
		link.WithAckTimeout(c.Link.AckTimeout),
		link.WithCommandRetries(c.Link.CommandRetries),
		link.WithAutoReconnect(c.Link.AutoReconnect),
	}
}

// TransportOptions returns the TCP transport options.
func (c *Config) TransportOptions(l logger.Logger) []transport.Option {
	t := c.Transport
	opts := []transport.Option{
		transport.WithWriteTimeout(t.WriteTimeout),
		transport.WithKeepAlive(t.KeepAlive),
		transport.WithReadBufferSize(t.ReadBufferSize),
	}
	if l != nil {
		opts = append(opts, transport.WithLogger(l))
	}

	return opts
}

// QueueOptions returns the event queue options.
func (c *Config) QueueOptions(l logger.Logger) []eventq.Option {
	// checked by Validate
	policy, _ := eventq.ParseOverflowPolicy(c.Queue.Overflow)

	opts := []eventq.Option{
		eventq.WithCapacity(c.Queue.Capacity),
		eventq.WithOverflow(policy),
	}
	if l != nil {
		opts = append(opts, eventq.WithLogger(l))
	}

	return opts
}

// ManagerOptions returns the manager options of the manager, link and transport sections.
// The event queue, inventory and codec registry are left to the caller.
func (c *Config) ManagerOptions(l logger.Logger) ([]manager.Option, error) {
	factory, err := transport.NewTCPFactory(c.TransportOptions(l)...)
	if err != nil {
		return nil, err
	}

	opts := []manager.Option{
		manager.WithBacklogSize(c.Manager.BacklogSize),
		manager.WithShutdownTimeout(c.Manager.ShutdownTimeout),
		manager.WithLinkOptions(c.LinkOptions()...),
		manager.WithTransportFactory(factory),
	}
	if l != nil {
		opts = append(opts, manager.WithLogger(l))
	}

	return opts, nil
}

// DeviceList returns the devices section as robot devices.
func (c *Config) DeviceList() []robot.Device {
	devs := make([]robot.Device, 0, len(c.Devices))
	for _, d := range c.Devices {
		devs = append(devs, d.Device())
	}

	return devs
}
