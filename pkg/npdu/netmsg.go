package npdu

import "encoding/binary"

// EncodeWhoIsRouterToNetwork builds the body of a Who-Is-Router-To-Network
// network layer message (spec §4.3). net_ == NetworkLocal asks "is anyone a
// router to any network"; otherwise the query is scoped to that network.
func EncodeWhoIsRouterToNetwork(net_ uint16) []byte {
	if net_ == 0 {
		return nil
	}
	body := make([]byte, 2)
	binary.BigEndian.PutUint16(body, net_)
	return body
}

// DecodeWhoIsRouterToNetwork returns the queried network, or 0 ("any") if
// the body was empty.
func DecodeWhoIsRouterToNetwork(body []byte) uint16 {
	if len(body) < 2 {
		return 0
	}
	return binary.BigEndian.Uint16(body)
}

// EncodeIAmRouterToNetwork builds the body of an I-Am-Router-To-Network
// message: the list of networks this router can reach.
func EncodeIAmRouterToNetwork(nets []uint16) []byte {
	body := make([]byte, 2*len(nets))
	for i, n := range nets {
		binary.BigEndian.PutUint16(body[2*i:], n)
	}
	return body
}

// DecodeIAmRouterToNetwork parses the network list out of an
// I-Am-Router-To-Network body.
func DecodeIAmRouterToNetwork(body []byte) []uint16 {
	out := make([]uint16, 0, len(body)/2)
	for i := 0; i+2 <= len(body); i += 2 {
		out = append(out, binary.BigEndian.Uint16(body[i:i+2]))
	}
	return out
}
