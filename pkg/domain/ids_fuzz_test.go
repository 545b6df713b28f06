//go:build go1.18

package domain

import "testing"

// FuzzParsePermissionID checks that parsing never panics and that accepted IDs
// round-trip unchanged.
func FuzzParsePermissionID(f *testing.F) {
	f.Add("")
	f.Add("550e8400-e29b-41d4-a716-446655440000")
	f.Add("'; DROP TABLE permission_request;--")
	f.Add(string([]byte{0x00, 0x01, 0x02}))
	f.Add("pid\x00suffix")

	f.Fuzz(func(t *testing.T, input string) {
		id, err := ParsePermissionID(input)
		if err != nil {
			return
		}
		again, err := ParsePermissionID(id.String())
		if err != nil {
			t.Fatalf("accepted id failed round-trip: %v", err)
		}
		if again != id {
			t.Fatal("round-trip changed id value")
		}
	})
}
