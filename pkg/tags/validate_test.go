package tags

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		tag   string
		valid bool
	}{
		{"my-app_1.0", true},
		{"latest", true},
		{"a", true},
		{"0.1.2-rc.1", true},
		{"My App!", false},
		{"bad tag!", false},
		{"Upper", false},
		{"repo:1.0", false},
		{"org/app", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			err := Validate(tt.tag)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			var invalid *InvalidTagError
			require.True(t, errors.As(err, &invalid), "expected InvalidTagError, got %v", err)
			assert.Equal(t, tt.tag, invalid.Tag)
		})
	}
}

func TestParseList(t *testing.T) {
	got := ParseList("  a \n\nb\r\n   \nc")
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Empty(t, ParseList(""))
	assert.Empty(t, ParseList("\n \n"))
}

func TestJoinList_RoundTrip(t *testing.T) {
	in := []string{"a", "b-1", "c.2"}
	assert.Equal(t, in, ParseList(JoinList(in)))
}

func TestValidateList_NamesFirstOffender(t *testing.T) {
	err := ValidateList("good\nbad tag!\nAlso Bad")
	var invalid *InvalidTagError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "bad tag!", invalid.Tag)
	assert.Contains(t, err.Error(), "bad tag!")
}

func TestValidateList_OK(t *testing.T) {
	assert.NoError(t, ValidateList("my-app_1.0\nlatest\n"))
}

func TestValidateTemplate(t *testing.T) {
	tests := []struct {
		template string
		valid    bool
	}{
		{"my-app-{{ GIT_COMMIT_SHORT }}", true},
		{"{{BUILD_NUMBER}}", true},
		{"app-{{ GIT_BRANCH | slug }}", true},
		{"app-{{ GIT_BRANCH | lower | slug }}", true},
		{"app-{{ GIT_BRANCH | to_lower }}", true},
		{"app-{{ GIT_BRANCH | Slug2 | _x }}", true},
		{"app-{{ GIT_BRANCH | to-lower }}", false},
		{"app-{{ GIT_BRANCH | }}", false},
		{"My App!", false},
		{"app-{{ }}", false},
		{"app-{{ GIT BRANCH }}", false},
		{"App-{{ X }}", false},
		{"app {{ X }}", false},
	}

	for _, tt := range tests {
		t.Run(tt.template, func(t *testing.T) {
			err := ValidateTemplate(tt.template)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestValidateTemplates_RejectsBeforeRun(t *testing.T) {
	err := ValidateTemplates("bad tag!\ngood")
	var invalid *InvalidTagError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "bad tag!", invalid.Tag)
}
