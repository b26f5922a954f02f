package services

// Service choice codes (ASHRAE 135 clause 21), the subset bacstack's
// dispatcher and codec recognize.
const (
	ConfirmedAtomicReadFile      uint8 = 6
	ConfirmedAtomicWriteFile     uint8 = 7
	ConfirmedReadProperty        uint8 = 12
	ConfirmedReadPropertyMultiple uint8 = 14
	ConfirmedWriteProperty       uint8 = 15
)

const (
	UnconfirmedIAm                   uint8 = 0
	UnconfirmedIHave                 uint8 = 1
	UnconfirmedCOVNotification       uint8 = 2
	UnconfirmedWhoHas                uint8 = 7
	UnconfirmedWhoIs                 uint8 = 8
)
