package thread

import (
	"math/rand"
	"strconv"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitShortTextIsSingleSegment(t *testing.T) {
	segs := Split("  hello world \n", []string{"m1"}, 0)
	require.Len(t, segs, 1)
	assert.Equal(t, "hello world", segs[0].Text)
	assert.Equal(t, 1, segs[0].Total)
	assert.Equal(t, []string{"m1"}, segs[0].Media)
	assert.Equal(t, "hello world", Render(segs[0]))
}

func TestSplitFourHundredChars(t *testing.T) {
	text := strings.Repeat("abcdefghi ", 40)
	text = text[:len(text)-1] + "!"
	require.Equal(t, 400, utf8.RuneCountInString(text))

	segs := Split(text, nil, 280)
	require.Len(t, segs, 2)
	for i, s := range segs {
		assert.Equal(t, i, s.Index)
		assert.Equal(t, 2, s.Total)
		assert.LessOrEqual(t, utf8.RuneCountInString(Render(s)), 280)
		assert.False(t, s.HardBreak)
	}
	assert.True(t, strings.HasSuffix(Render(segs[0]), " 1/2"))
	assert.True(t, strings.HasSuffix(Render(segs[1]), " 2/2"))
	assert.Equal(t, text, Join(segs))
}

func TestSplitHardCutsLongToken(t *testing.T) {
	text := "intro " + strings.Repeat("x", 600) + " outro"
	segs := Split(text, nil, 280)

	require.Len(t, segs, 4)
	assert.Equal(t, "intro", segs[0].Text)
	assert.False(t, segs[0].HardBreak)
	assert.True(t, segs[1].HardBreak)
	assert.True(t, segs[2].HardBreak)
	assert.Equal(t, strings.Repeat("x", 48)+" outro", segs[3].Text)
	for _, s := range segs {
		assert.LessOrEqual(t, utf8.RuneCountInString(Render(s)), 280)
	}
	assert.Equal(t, text, Join(segs))
}

func TestSplitMediaOnly(t *testing.T) {
	segs := Split("   ", []string{"a.png", "b.png"}, 280)
	require.Len(t, segs, 1)
	assert.Equal(t, "", segs[0].Text)
	assert.Equal(t, []string{"a.png", "b.png"}, segs[0].Media)
}

func TestSplitMediaRidesOnFirstSegment(t *testing.T) {
	segs := Split(strings.Repeat("word ", 100), []string{"a.png"}, 100)
	require.Greater(t, len(segs), 1)
	assert.Equal(t, []string{"a.png"}, segs[0].Media)
	for _, s := range segs[1:] {
		assert.Empty(t, s.Media)
	}
}

func TestSplitKeepsInnerWhitespace(t *testing.T) {
	segs := Split("first line\n\nsecond  line", nil, 280)
	require.Len(t, segs, 1)
	assert.Equal(t, "first line\n\nsecond  line", segs[0].Text)
}

func TestSplitCountsRunes(t *testing.T) {
	text := strings.Repeat("ü", 280)
	segs := Split(text, nil, 280)
	require.Len(t, segs, 1)
	assert.Equal(t, text, segs[0].Text)
}

func TestSplitWidensCounterForLongThreads(t *testing.T) {
	text := strings.TrimSpace(strings.Repeat("abcdef ", 60))
	segs := Split(text, nil, 20)
	require.GreaterOrEqual(t, len(segs), 10)
	for _, s := range segs {
		assert.LessOrEqual(t, utf8.RuneCountInString(Render(s)), 20, Render(s))
	}
	assert.Equal(t, text, Join(segs))
	assert.True(t, strings.HasSuffix(Render(segs[len(segs)-1]), "/"+strconv.Itoa(len(segs))))
}

func TestSplitLongestMessageAtMinLimit(t *testing.T) {
	text := strings.TrimSpace(strings.Repeat("abcd ", MaxTextRunes/5))
	segs := Split(text, nil, 1)
	require.Less(t, len(segs), 10000)
	for _, s := range segs {
		require.LessOrEqual(t, utf8.RuneCountInString(Render(s)), MinLimit, Render(s))
	}
	assert.Equal(t, text, Join(segs))
}

func TestSplitProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	words := []string{"a", "go", "queue", "scheduler", "thread", "ñandú", "🚀", "supercalifragilistic", strings.Repeat("z", 90)}
	for i := 0; i < 300; i++ {
		n := rng.Intn(120)
		parts := make([]string, n)
		for j := range parts {
			parts[j] = words[rng.Intn(len(words))]
		}
		text := strings.Join(parts, " ")
		limit := 40 + rng.Intn(260)

		segs := Split(text, nil, limit)
		require.NotEmpty(t, segs)
		for _, s := range segs {
			require.LessOrEqual(t, utf8.RuneCountInString(Render(s)), limit)
		}
		require.Equal(t, strings.TrimSpace(text), Join(segs))
		require.Equal(t, segs, Split(text, nil, limit))
	}
}

func TestJoinPreservesWordsWithIrregularSpacing(t *testing.T) {
	text := strings.Repeat("alpha \t beta\n\ngamma   ", 30)
	segs := Split(text, nil, 50)
	assert.Equal(t, strings.Fields(text), strings.Fields(Join(segs)))
}
