package catalog

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeSourceURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"canonical", "https://book.douban.com/subject/1084336/", "https://book.douban.com/subject/1084336/"},
		{"missing slash", "https://book.douban.com/subject/1084336", "https://book.douban.com/subject/1084336/"},
		{"http and case", "http://Movie.Douban.com/subject/1292052/", "https://movie.douban.com/subject/1292052/"},
		{"query and fragment", "https://music.douban.com/subject/2995812/?from=tag#intro", "https://music.douban.com/subject/2995812/"},
		{"game path", "https://www.douban.com/game/10734307/", "https://www.douban.com/game/10734307/"},
		{"trailing segment", "https://book.douban.com/subject/1084336/reviews", "https://book.douban.com/subject/1084336/"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeSourceURL(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeSourceURLRejectsNonSubjects(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "https://book.douban.com/review/123/", "/subject/1/", "https://book.douban.com/subject/abc/"} {
		_, err := NormalizeSourceURL(in)
		require.Error(t, err, in)
		require.True(t, errors.Is(err, ErrInvalidSourceURL), in)
	}
}

func TestSubjectID(t *testing.T) {
	t.Parallel()

	id, err := SubjectID("https://book.douban.com/subject/1084336/")
	require.NoError(t, err)
	require.Equal(t, int64(1084336), id)

	_, err = SubjectID("https://book.douban.com/")
	require.ErrorIs(t, err, ErrInvalidSourceURL)
}

func TestParseVisibility(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Visibility{
		"":          VisibilityPublic,
		"0":         VisibilityPublic,
		"followers": VisibilityFollowers,
		"2":         VisibilityPrivate,
		"Private":   VisibilityPrivate,
	} {
		got, err := ParseVisibility(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	_, err := ParseVisibility("everyone")
	require.Error(t, err)
}

func TestKindHelpers(t *testing.T) {
	t.Parallel()

	require.Equal(t, "album/", KindMusic.MediaPrefix())
	require.Equal(t, "book/", KindBook.MediaPrefix())
	k, err := ParseKind("Album")
	require.NoError(t, err)
	require.Equal(t, KindMusic, k)
	_, err = ParseKind("podcast")
	require.Error(t, err)
}
