// Package blelink implements a dual-role Bluetooth Low Energy
// communication engine: a central (scanner/connector), a peripheral
// (advertiser/GATT server), or both at once, exchanging typed
// application messages over a compact binary protocol.
//
// The engine does not talk to hardware directly. It drives an
// abstract Radio interface; platform drivers implement Radio on top
// of whatever HCI access the OS provides, and the blesim package
// provides a deterministic in-memory implementation for tests and
// examples.
//
// USAGE
//
// A Master composes the central and peripheral halves and is the
// only object most programs need:
//
//	radio := blesim.NewRadio()
//	m, err := blelink.NewMaster(radio, blelink.AllowAll{}, blelink.DefaultConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	events, unsub := m.Events().Subscribe()
//	defer unsub()
//
//	if err := m.StartAsDual(blelink.ScanConfig{}, blelink.AdvertisingConfig{
//		LocalName:    "gopher",
//		Connectable:  true,
//		ServiceUUIDs: []blelink.UUID{blelink.LinkServiceUUID},
//	}); err != nil {
//		log.Fatal(err)
//	}
//
//	for e := range events {
//		if e.Kind == blelink.EventDeviceFound {
//			d := e.Data.(blelink.DeviceFound).Device
//			m.ConnectToDevice(d.Addr, blelink.ConnectOptions{})
//		}
//	}
//
// Messages are sent with SendMessageSmart, which routes through a
// characteristic write when acting as central and a notification
// when acting as peripheral:
//
//	m.SendMessageSmart(nil, wire.Text{Body: "hello"})
//
// All long-running operations are asynchronous; outcomes arrive as
// events on the bus, never by blocking the caller.
package blelink
