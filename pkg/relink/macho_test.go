package relink

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/crater-build/crater/internal/globset"
)

func TestDylibChangeArgs(t *testing.T) {
	tests := []struct {
		name      string
		dylib     *Dylib
		custom    []string
		allowlist *globset.Set
		want      []string
		wantErr   bool
	}{
		{
			name: "placeholder rpath becomes loader_path relative",
			dylib: &Dylib{
				path:   testPrefix + "/bin/app",
				rpaths: []string{testEncoded + "/lib"},
			},
			want: []string{"-rpath", testEncoded + "/lib", "@loader_path/../lib"},
		},
		{
			name: "loader_path and allowlisted entries untouched",
			dylib: &Dylib{
				path:   testPrefix + "/bin/app",
				rpaths: []string{"@loader_path/../lib", "/usr/lib"},
			},
			allowlist: globset.MustCompile("/usr/lib*"),
			want:      nil,
		},
		{
			name: "foreign absolute rpath is a policy violation",
			dylib: &Dylib{
				path:   testPrefix + "/bin/app",
				rpaths: []string{"/leaked/build/lib"},
			},
			wantErr: true,
		},
		{
			name: "duplicate placeholder rpaths collapse to a delete",
			dylib: &Dylib{
				path:   testPrefix + "/bin/app",
				rpaths: []string{testEncoded + "/lib", testEncoded + "/lib"},
			},
			want: []string{
				"-rpath", testEncoded + "/lib", "@loader_path/../lib",
				"-delete_rpath", testEncoded + "/lib",
			},
		},
		{
			name: "custom rpaths appended once",
			dylib: &Dylib{
				path:   testPrefix + "/bin/app",
				rpaths: []string{"@loader_path/../lib"},
			},
			custom: []string{"@loader_path/../plugins", "@loader_path/../lib"},
			want:   []string{"-add_rpath", "@loader_path/../plugins"},
		},
		{
			name: "placeholder dylib reference rewritten",
			dylib: &Dylib{
				path:      testPrefix + "/lib/libbar.dylib",
				libraries: []string{testEncoded + "/lib/libfoo.dylib", "/usr/lib/libSystem.B.dylib"},
			},
			want: []string{"-change", testEncoded + "/lib/libfoo.dylib", "@loader_path/libfoo.dylib"},
		},
		{
			name: "placeholder install name becomes rpath relative",
			dylib: &Dylib{
				path: testPrefix + "/lib/libbar.dylib",
				id:   testEncoded + "/lib/libbar.dylib",
			},
			want: []string{"-id", "@rpath/libbar.dylib"},
		},
		{
			name: "token lookalike treated as a relative entry",
			dylib: &Dylib{
				path:   testPrefix + "/bin/app",
				rpaths: []string{"@loader_pathology/lib", "@loader_path"},
			},
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, err := tt.dylib.changeArgs(testPrefix, testEncoded, tt.custom, tt.allowlist)
			if tt.wantErr {
				var policyErr *PolicyError
				if !errors.As(err, &policyErr) {
					t.Fatalf("changeArgs() error = %v, want *PolicyError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("changeArgs() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("changeArgs() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDylibRelinkSignsAfterMutation(t *testing.T) {
	d := &Dylib{
		path:   testPrefix + "/bin/app",
		rpaths: []string{testEncoded + "/lib"},
	}
	runner := &fakeRunner{}

	if err := d.Relink(context.Background(), testPrefix, testEncoded, nil, nil, runner); err != nil {
		t.Fatalf("Relink() error = %v", err)
	}

	calls := runner.invocations()
	if len(calls) != 2 {
		t.Fatalf("got %d tool invocations, want install_name_tool then codesign", len(calls))
	}
	if calls[0][0] != "install_name_tool" {
		t.Errorf("first invocation = %v, want install_name_tool", calls[0])
	}
	if calls[0][len(calls[0])-1] != d.path {
		t.Errorf("install_name_tool target = %q, want %q", calls[0][len(calls[0])-1], d.path)
	}
	wantSign := []string{"codesign", "--sign", "-", "--force", codesignPreserve, d.path}
	if !reflect.DeepEqual(calls[1], wantSign) {
		t.Errorf("codesign invoked as %v, want %v", calls[1], wantSign)
	}
}

func TestDylibRelinkTwice(t *testing.T) {
	d := &Dylib{
		path:      testPrefix + "/lib/libbar.dylib",
		id:        testEncoded + "/lib/libbar.dylib",
		rpaths:    []string{testEncoded + "/lib"},
		libraries: []string{testEncoded + "/lib/libfoo.dylib"},
	}
	runner := &fakeRunner{}

	ctx := context.Background()
	if err := d.Relink(ctx, testPrefix, testEncoded, nil, nil, runner); err != nil {
		t.Fatal(err)
	}
	if err := d.Relink(ctx, testPrefix, testEncoded, nil, nil, runner); err != nil {
		t.Fatal(err)
	}

	if calls := runner.invocations(); len(calls) != 2 {
		t.Errorf("second relink ran %d extra tool invocations", len(calls)-2)
	}
	if want := []string{"@loader_path"}; !reflect.DeepEqual(d.rpaths, want) {
		t.Errorf("rpaths after relink = %v, want %v", d.rpaths, want)
	}
	if want := []string{"@loader_path/libfoo.dylib"}; !reflect.DeepEqual(d.libraries, want) {
		t.Errorf("libraries after relink = %v, want %v", d.libraries, want)
	}
	if want := "@rpath/libbar.dylib"; d.id != want {
		t.Errorf("install name after relink = %q, want %q", d.id, want)
	}
}

func TestDylibRelinkNoChangesNoSigning(t *testing.T) {
	d := &Dylib{
		path:   testPrefix + "/bin/app",
		rpaths: []string{"@loader_path/../lib"},
	}
	runner := &fakeRunner{}

	if err := d.Relink(context.Background(), testPrefix, testEncoded, nil, nil, runner); err != nil {
		t.Fatalf("Relink() error = %v", err)
	}
	if calls := runner.invocations(); len(calls) != 0 {
		t.Errorf("already relocatable binary triggered %d tool invocations", len(calls))
	}
}

func TestDylibResolveLibrariesTokens(t *testing.T) {
	d := &Dylib{
		path: testPrefix + "/bin/app",
		libraries: []string{
			"@rpath/libfoo.dylib",
			"@loader_path/../lib/libbar.dylib",
			"/usr/lib/libSystem.B.dylib",
		},
	}
	resolved := d.ResolveLibraries(testPrefix, testEncoded)

	if got := resolved["@rpath/libfoo.dylib"]; got == nil || *got != testPrefix+"/bin/libfoo.dylib" {
		t.Errorf("@rpath reference resolved to %v", got)
	}
	if got := resolved["@loader_path/../lib/libbar.dylib"]; got == nil || *got != testPrefix+"/lib/libbar.dylib" {
		t.Errorf("@loader_path reference resolved to %v", got)
	}
	if got := resolved["/usr/lib/libSystem.B.dylib"]; got != nil {
		t.Errorf("system dylib resolved to %q, want nil", *got)
	}
}
