// Package peer manages direct WebRTC links between devices of one user.
//
// A Link owns one PeerConnection and one ordered, reliable data channel to a
// single remote device and moves through IDLE, NEGOTIATING, CONNECTED and
// CLOSED. Offers, answers and ICE candidates travel through a Signaler,
// normally a signaling.Router. Manager keeps at most one live Link per
// remote device, answers incoming offers and resolves offer collisions by
// letting the device with the larger id yield.
//
//	m, err := peer.NewManager(peer.Config{SelfDevice: "laptop", ICEServers: peer.DefaultSTUNServers}, router, peer.Callbacks{
//		OnConnected: func(remote string) { log.Println("connected", remote) },
//	})
//	m.Connect(ctx, "phone")
//	err = m.WaitConnected(ctx, "phone")
package peer
