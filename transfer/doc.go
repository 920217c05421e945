// Package transfer streams whole files over an ordered, reliable data
// channel and reassembles them on the other side.
//
// A file travels as a text control frame announcing its metadata, a run of
// binary chunk frames, and a closing text control frame:
//
//	{"type":"file-transfer-start","metadata":{...}}
//	<chunk> <chunk> ... <chunk>
//	{"type":"file-transfer-complete","fileId":"..."}
//
// Chunks carry no sequence numbers; the channel's ordering is what keeps
// them in place. Only one file is in flight per channel at a time. Sender
// serializes its callers and pauses whenever the channel's buffered amount
// exceeds the configured threshold, resuming on the buffered-amount-low
// callback.
//
// Example:
//
//	s := transfer.NewSender(link, transfer.SenderOptions{})
//	t, err := s.Send(ctx, meta, data)
//	if err != nil {
//	    // fall back to the relay
//	}
//	fmt.Printf("sent %d chunks at %.0f B/s\n", t.Chunks(), t.GetSpeed())
package transfer
