package services

// PropertyReference names one property (optionally one array element) to
// read within a ReadPropertyMultiple request.
type PropertyReference struct {
	PropertyID uint32
	ArrayIndex *uint32
}

// ReadAccessSpec is one object's worth of property references in a
// ReadPropertyMultiple request.
type ReadAccessSpec struct {
	ObjectType     uint16
	ObjectInstance uint32
	Properties     []PropertyReference
}

// ReadPropertyMultiple is the confirmed request body: a list of
// object/property specifiers (spec §3.1).
type ReadPropertyMultiple struct {
	Specs []ReadAccessSpec
}

func (r ReadPropertyMultiple) Marshal() []byte {
	var buf []byte
	for _, spec := range r.Specs {
		buf = AppendObjectID(buf, 0, spec.ObjectType, spec.ObjectInstance)
		buf = AppendOpeningTag(buf, 1)
		for _, p := range spec.Properties {
			buf = AppendContextUnsigned(buf, 0, uint64(p.PropertyID))
			if p.ArrayIndex != nil {
				buf = AppendContextUnsigned(buf, 1, uint64(*p.ArrayIndex))
			}
		}
		buf = AppendClosingTag(buf, 1)
	}
	return buf
}

func DecodeReadPropertyMultiple(raw []byte) (ReadPropertyMultiple, error) {
	var out ReadPropertyMultiple
	for len(raw) > 0 {
		objType, instance, n, err := ReadObjectID(raw, 0)
		if err != nil {
			return ReadPropertyMultiple{}, err
		}
		raw = raw[n:]
		inner, rest, err := extractBracketed(raw, 1)
		if err != nil {
			return ReadPropertyMultiple{}, err
		}
		raw = rest

		spec := ReadAccessSpec{ObjectType: objType, ObjectInstance: instance}
		for len(inner) > 0 {
			propID, n2, err := ReadContextUnsigned(inner, 0)
			if err != nil {
				return ReadPropertyMultiple{}, err
			}
			inner = inner[n2:]
			ref := PropertyReference{PropertyID: uint32(propID)}
			if num, context, _, ok := PeekTagNumber(inner); ok && context && num == 1 {
				idx, n3, err := ReadContextUnsigned(inner, 1)
				if err != nil {
					return ReadPropertyMultiple{}, err
				}
				idxV := uint32(idx)
				ref.ArrayIndex = &idxV
				inner = inner[n3:]
			}
			spec.Properties = append(spec.Properties, ref)
		}
		out.Specs = append(out.Specs, spec)
	}
	return out, nil
}

// ReadResult is one property's outcome within a ReadPropertyMultiple ack:
// either a value or an error, never both.
type ReadResult struct {
	PropertyID uint32
	ArrayIndex *uint32
	Value      []byte // opaque application-tagged value, when no error
	ErrorClass uint32
	ErrorCode  uint32
	IsError    bool
}

// ReadAccessResult is one object's results in a ReadPropertyMultiple ack.
type ReadAccessResult struct {
	ObjectType     uint16
	ObjectInstance uint32
	Results        []ReadResult
}

// ReadPropertyMultipleAck is the ComplexAck body.
type ReadPropertyMultipleAck struct {
	Results []ReadAccessResult
}

func (a ReadPropertyMultipleAck) Marshal() []byte {
	var buf []byte
	for _, obj := range a.Results {
		buf = AppendObjectID(buf, 0, obj.ObjectType, obj.ObjectInstance)
		buf = AppendOpeningTag(buf, 1)
		for _, r := range obj.Results {
			buf = AppendContextUnsigned(buf, 2, uint64(r.PropertyID))
			if r.ArrayIndex != nil {
				buf = AppendContextUnsigned(buf, 3, uint64(*r.ArrayIndex))
			}
			if r.IsError {
				buf = AppendOpeningTag(buf, 5)
				buf = AppendApplicationUnsigned(buf, uint64(r.ErrorClass))
				buf = AppendApplicationUnsigned(buf, uint64(r.ErrorCode))
				buf = AppendClosingTag(buf, 5)
			} else {
				buf = AppendOpeningTag(buf, 4)
				buf = append(buf, r.Value...)
				buf = AppendClosingTag(buf, 4)
			}
		}
		buf = AppendClosingTag(buf, 1)
	}
	return buf
}

func DecodeReadPropertyMultipleAck(raw []byte) (ReadPropertyMultipleAck, error) {
	var out ReadPropertyMultipleAck
	for len(raw) > 0 {
		objType, instance, n, err := ReadObjectID(raw, 0)
		if err != nil {
			return ReadPropertyMultipleAck{}, err
		}
		raw = raw[n:]
		inner, rest, err := extractBracketed(raw, 1)
		if err != nil {
			return ReadPropertyMultipleAck{}, err
		}
		raw = rest

		obj := ReadAccessResult{ObjectType: objType, ObjectInstance: instance}
		for len(inner) > 0 {
			propID, n2, err := ReadContextUnsigned(inner, 2)
			if err != nil {
				return ReadPropertyMultipleAck{}, err
			}
			inner = inner[n2:]
			res := ReadResult{PropertyID: uint32(propID)}
			if num, context, _, ok := PeekTagNumber(inner); ok && context && num == 3 {
				idx, n3, err := ReadContextUnsigned(inner, 3)
				if err != nil {
					return ReadPropertyMultipleAck{}, err
				}
				idxV := uint32(idx)
				res.ArrayIndex = &idxV
				inner = inner[n3:]
			}
			num, _, _, ok := PeekTagNumber(inner)
			if !ok {
				return ReadPropertyMultipleAck{}, shortTag()
			}
			if num == 5 {
				errBody, restInner, err := extractBracketed(inner, 5)
				if err != nil {
					return ReadPropertyMultipleAck{}, err
				}
				cls := parseLeadingApplicationUnsigned(errBody)
				code := parseLeadingApplicationUnsigned(errBody[applicationUnsignedWidth(errBody):])
				res.IsError = true
				res.ErrorClass = uint32(cls)
				res.ErrorCode = uint32(code)
				inner = restInner
			} else {
				value, restInner, err := extractBracketed(inner, 4)
				if err != nil {
					return ReadPropertyMultipleAck{}, err
				}
				res.Value = value
				inner = restInner
			}
			obj.Results = append(obj.Results, res)
		}
		out.Results = append(out.Results, obj)
	}
	return out, nil
}

func applicationUnsignedWidth(raw []byte) int {
	tag, err := parseTag(raw)
	if err != nil {
		return 0
	}
	return tag.consumed + tag.lvt
}

func parseLeadingApplicationUnsigned(raw []byte) uint64 {
	tag, err := parseTag(raw)
	if err != nil || len(raw) < tag.consumed+tag.lvt {
		return 0
	}
	return decodeUnsigned(raw[tag.consumed : tag.consumed+tag.lvt])
}
