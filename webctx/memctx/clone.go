package memctx

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Message payloads cross contexts through a CBOR round-trip, the
// structured-clone analog: the receiver gets a value snapshot, so sender
// mutations after Send never leak across the boundary. Integers come out as
// int64 and nested maps as map[string]any on the far side.
var cloneDec = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

func cloneData(data map[string]any) (map[string]any, error) {
	if data == nil {
		return nil, nil
	}
	b, err := cbor.Marshal(data)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := cloneDec.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
