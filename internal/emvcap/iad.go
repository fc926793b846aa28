package emvcap

// IADField is one labelled slice of the issuer application data.
type IADField struct {
	Name  string
	Value []byte
}

// DecodeIAD splits issuer application data into its common CAP layout: length, derivation
// key index, cryptogram version number, card verification results and any trailing bytes.
func DecodeIAD(iad []byte) []IADField {
	labels := []struct {
		name string
		size int
	}{
		{"length", 1},
		{"derivationKeyIndex", 1},
		{"cryptogramVersion", 1},
		{"cardVerificationResults", 4},
	}
	var fields []IADField
	rest := iad
	for _, l := range labels {
		if len(rest) == 0 {
			break
		}
		n := l.size
		if n > len(rest) {
			n = len(rest)
		}
		fields = append(fields, IADField{Name: l.name, Value: rest[:n]})
		rest = rest[n:]
	}
	if len(rest) > 0 {
		fields = append(fields, IADField{Name: "issuerDiscretionaryData", Value: rest})
	}
	return fields
}
