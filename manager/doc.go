// Package manager coordinates the connections of a fleet of robot and CNC devices.
//
// A Manager keeps one entry per registered device, creates its link.Connection on Connect and
// routes commands through a per-device backlog so that commands of one device are written in
// the order they were accepted. Events of all devices arrive on a shared eventq.Queue.
//
//	mgr, _ := manager.NewManager(ctx, manager.WithLinkOptions(link.WithAckTimeout(2*time.Second)))
//	_ = mgr.RegisterDevice(ctx, robot.Device{ID: "KUKA-1", Brand: robot.KUKA, Address: addr})
//	_ = mgr.Connect(ctx, "KUKA-1")
//	fut, _ := mgr.Send(ctx, "KUKA-1", []byte("PTP 10,20,30"))
//	outcome, _ := fut.Wait(ctx)
//	_ = mgr.ShutdownAll(ctx)
package manager
