package sagaapi

import "encoding/json"

// JSONStateCodec is the default StateCodec: plain encoding/json. A
// process_state's shape is arbitrary user data, so a schema-driven
// serialization library would only get in the way of the default
// case.
type JSONStateCodec struct{}

func (JSONStateCodec) Marshal(state any) ([]byte, error) {
	return json.Marshal(state)
}

func (JSONStateCodec) Unmarshal(data []byte, target any) error {
	return json.Unmarshal(data, target)
}

// CodecFor returns module's own StateCodec if it implements
// StateCodecProvider, otherwise JSONStateCodec{}.
func CodecFor(module UserModule) StateCodec {
	if p, ok := module.(StateCodecProvider); ok {
		return p.StateCodec()
	}
	return JSONStateCodec{}
}
