package bacnet

// PDU is the triple every layer passes downward/upward: a source address,
// a destination address, and the payload bytes remaining to be interpreted
// by the next layer inward. UserData carries an opaque application
// correlation tag (spec §3) that layers must pass through unmodified.
type PDU struct {
	Source      Address
	Destination Address
	Payload     []byte
	UserData    any
}

// WithPayload returns a copy of the PDU with a new payload, keeping the
// addressing and user data. Layers build on this when they strip their own
// header before handing the remainder to the next layer in.
func (p PDU) WithPayload(payload []byte) PDU {
	p.Payload = payload
	return p
}
