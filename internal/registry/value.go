package registry

import "github.com/latticedb/latticedb/internal/errs"

// Value is a tagged variant matching the storage classes a context can be
// configured with: absent, integer, opaque bytes, UTF-8 text, or a serialized
// structure.
type Value struct {
	Storage Storage
	Int     int64
	Bytes   []byte
	Text    string
}

// Wrap validates v against ctx's configured storage class and returns the
// Value to persist. It is the boundary where a caller's Go value is checked
// against the declared storage class for ctx.
func (r *Registry) Wrap(ctx int, v any) (Value, error) {
	meta, ok := r.contexts[ctx]
	if !ok {
		return Value{}, errs.BadContext(ctx)
	}
	switch meta.Storage {
	case StorageNull:
		if v != nil {
			return Value{}, errs.StorageClassError("context %d requires a nil value", ctx)
		}
		return Value{Storage: StorageNull}, nil

	case StorageInt:
		switch n := v.(type) {
		case int64:
			return Value{Storage: StorageInt, Int: n}, nil
		case int:
			return Value{Storage: StorageInt, Int: int64(n)}, nil
		default:
			return Value{}, errs.StorageClassError("context %d requires an int or int64 value", ctx)
		}

	case StorageBytes:
		b, ok := v.([]byte)
		if !ok {
			return Value{}, errs.StorageClassError("context %d requires a []byte value", ctx)
		}
		return Value{Storage: StorageBytes, Bytes: b}, nil

	case StorageUTF8:
		s, ok := v.(string)
		if !ok {
			return Value{}, errs.StorageClassError("context %d requires a string value", ctx)
		}
		return Value{Storage: StorageUTF8, Text: s}, nil

	case StorageSerialized:
		if meta.Schema == nil {
			return Value{}, errs.StorageClassError("context %d has no schema validator configured", ctx)
		}
		data, err := meta.Schema.Validate(v)
		if err != nil {
			return Value{}, errs.StorageClassError("context %d: %v", ctx, err)
		}
		return Value{Storage: StorageSerialized, Bytes: data}, nil

	default:
		return Value{}, errs.BadContext(ctx)
	}
}

// Unwrap converts a stored Value back into a native Go value for ctx.
func (r *Registry) Unwrap(ctx int, val Value) (any, error) {
	meta, ok := r.contexts[ctx]
	if !ok {
		return nil, errs.BadContext(ctx)
	}
	switch meta.Storage {
	case StorageNull:
		return nil, nil
	case StorageInt:
		return val.Int, nil
	case StorageBytes:
		return val.Bytes, nil
	case StorageUTF8:
		return val.Text, nil
	case StorageSerialized:
		if meta.Schema == nil {
			return nil, errs.StorageClassError("context %d has no schema validator configured", ctx)
		}
		return meta.Schema.Unmarshal(val.Bytes)
	default:
		return nil, errs.BadContext(ctx)
	}
}
