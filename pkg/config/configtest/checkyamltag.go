package configtest

import (
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"strings"

	"go.uber.org/multierr"
	"google.golang.org/protobuf/proto"
)

var (
	protoMessageType = reflect.TypeOf((*proto.Message)(nil)).Elem()
	yamlKeyPattern   = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
)

// CheckYAMLTags walks a config type and reports fields that would not round trip through
// the strict decoder: missing omitempty, keys that are not snake_case and keys used twice
// in the same struct.
func CheckYAMLTags(config any) error {
	return checkYAMLTags(reflect.TypeOf(config), "", map[reflect.Type]struct{}{})
}

func checkYAMLTags(t reflect.Type, path string, seen map[reflect.Type]struct{}) error {
	if _, ok := seen[t]; ok {
		return nil
	}
	seen[t] = struct{}{}

	switch t.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.Pointer:
		return checkYAMLTags(t.Elem(), path, seen)

	case reflect.Struct:
		if reflect.PointerTo(t).Implements(protoMessageType) {
			return nil
		}
		if path == "" {
			path = t.PkgPath() + "/" + t.Name()
		}

		var errs error
		keys := make(map[string]string)
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() || field.Tag.Get("config") == "allowempty" {
				continue
			}

			parts := strings.Split(field.Tag.Get("yaml"), ",")
			if parts[0] == "-" {
				continue
			}
			fieldPath := path + "." + field.Name
			inline := slices.Contains(parts, "inline")

			if !inline {
				switch {
				case parts[0] == "":
					errs = multierr.Append(errs, fmt.Errorf("%s missing yaml key", fieldPath))
				case !yamlKeyPattern.MatchString(parts[0]):
					errs = multierr.Append(errs, fmt.Errorf("%s key %q is not snake_case", fieldPath, parts[0]))
				default:
					if other, ok := keys[parts[0]]; ok {
						errs = multierr.Append(errs, fmt.Errorf("%s key %q already used by %s", fieldPath, parts[0], other))
					}
					keys[parts[0]] = field.Name
				}
			}

			if field.Type.Kind() != reflect.Bool && !inline && !slices.Contains(parts, "omitempty") {
				errs = multierr.Append(errs, fmt.Errorf("%s missing omitempty tag", fieldPath))
			}

			errs = multierr.Append(errs, checkYAMLTags(field.Type, fieldPath, seen))
		}
		return errs

	default:
		return nil
	}
}
