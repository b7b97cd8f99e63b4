package netstring

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func frameStrings(frames [][]byte) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = string(f)
	}
	return out
}

func TestDecoder_Feed_Simple(t *testing.T) {
	dec := NewDecoder()
	frames, err := dec.Feed([]byte("5:hello,"))
	require.NoError(t, err)
	require.Equal(t, []string{"hello"}, frameStrings(frames))
	require.False(t, dec.Pending())
	require.EqualValues(t, 8, dec.Offset())
}

func TestDecoder_Feed_ZeroLength(t *testing.T) {
	dec := NewDecoder()
	frames, err := dec.Feed([]byte("0:,"))
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.NotNil(t, frames[0])
	require.Empty(t, frames[0])
}

func TestDecoder_Feed_EmptyChunk(t *testing.T) {
	dec := NewDecoder()

	frames, err := dec.Feed(nil)
	require.NoError(t, err)
	require.Empty(t, frames)

	_, err = dec.Feed([]byte("3:a"))
	require.NoError(t, err)

	frames, err = dec.Feed([]byte{})
	require.NoError(t, err)
	require.Empty(t, frames)
	require.True(t, dec.Pending())
	require.Equal(t, 1, dec.Buffered())
}

func TestDecoder_Feed_MultipleFrames(t *testing.T) {
	dec := NewDecoder()
	frames, err := dec.Feed([]byte("5:hello,5:world,0:,3:foo,"))
	require.NoError(t, err)
	require.Equal(t, []string{"hello", "world", "", "foo"}, frameStrings(frames))
}

func TestDecoder_Feed_PartialPayload(t *testing.T) {
	dec := NewDecoder()

	frames, err := dec.Feed([]byte("5:ab"))
	require.NoError(t, err)
	require.Empty(t, frames)
	require.True(t, dec.Pending())
	require.Equal(t, 2, dec.Buffered())

	frames, err = dec.Feed([]byte("cde,"))
	require.NoError(t, err)
	require.Equal(t, []string{"abcde"}, frameStrings(frames))
	require.False(t, dec.Pending())
	require.Zero(t, dec.Buffered())
}

func TestDecoder_Feed_SplitEverywhere(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   []string
	}{
		{"mid digits", []string{"1", "2:hello world!,"}, []string{"hello world!"}},
		{"before separator", []string{"12", ":hello world!,"}, []string{"hello world!"}},
		{"after separator", []string{"12:", "hello world!,"}, []string{"hello world!"}},
		{"before terminator", []string{"12:hello world!", ","}, []string{"hello world!"}},
		{"across frames", []string{"1:a,1:", "b,1", ":c,"}, []string{"a", "b", "c"}},
		{"zero length split", []string{"0", ":", ","}, []string{""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder()
			var got []string
			for _, chunk := range tt.chunks {
				frames, err := dec.Feed([]byte(chunk))
				require.NoError(t, err)
				got = append(got, frameStrings(frames)...)
			}
			require.Equal(t, tt.want, got)
		})
	}
}

func TestDecoder_Feed_Binary(t *testing.T) {
	dec := NewDecoder()
	frames, err := dec.Feed([]byte("6:\x00:,\xff\n,,"))
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.Equal(t, []byte{0x00, ':', ',', 0xff, '\n', ','}, frames[0])
}

func TestDecoder_Feed_FramesDoNotAliasInput(t *testing.T) {
	dec := NewDecoder()
	input := []byte("3:abc,")
	frames, err := dec.Feed(input)
	require.NoError(t, err)

	copy(input, "xxxxxx")
	require.Equal(t, "abc", string(frames[0]))
}

func TestDecoder_Feed_MalformedLength(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		offset int64
	}{
		{"letter in length", "3a:abc,", 1},
		{"empty length", ":abc,", 0},
		{"leading letter", "x3:abc,", 0},
		{"leading zero", "007:abcdefg,", 1},
		{"zero then digit", "01:a,", 1},
		{"whitespace", " 3:abc,", 0},
		{"sign", "-3:abc,", 0},
		{"separator missing", "3,abc,", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder()
			frames, err := dec.Feed([]byte(tt.input))
			require.Empty(t, frames)
			require.ErrorIs(t, err, ErrMalformedLength)

			var formatErr *FormatError
			require.ErrorAs(t, err, &formatErr)
			require.Equal(t, tt.offset, formatErr.Offset)
		})
	}
}

func TestDecoder_Feed_MalformedTerminator(t *testing.T) {
	dec := NewDecoder()
	frames, err := dec.Feed([]byte("3:abc;"))
	require.Empty(t, frames)
	require.ErrorIs(t, err, ErrMalformedTerminator)

	var formatErr *FormatError
	require.ErrorAs(t, err, &formatErr)
	require.EqualValues(t, 5, formatErr.Offset)
	require.Contains(t, formatErr.Error(), "';'")
}

func TestDecoder_Feed_FramesBeforeError(t *testing.T) {
	dec := NewDecoder()
	frames, err := dec.Feed([]byte("2:ok,1:x;"))
	require.ErrorIs(t, err, ErrMalformedTerminator)
	require.Equal(t, []string{"ok"}, frameStrings(frames))
}

func TestDecoder_Feed_ErrorIsSticky(t *testing.T) {
	dec := NewDecoder()
	_, err := dec.Feed([]byte("a"))
	require.ErrorIs(t, err, ErrMalformedLength)
	offset := dec.Offset()

	frames, err2 := dec.Feed([]byte("1:a,"))
	require.Empty(t, frames)
	require.Same(t, err, err2)
	require.Equal(t, offset, dec.Offset())
	require.Same(t, err, dec.Err())

	// An empty chunk stays a no-op; the failure is kept for the next input.
	frames, err3 := dec.Feed(nil)
	require.NoError(t, err3)
	require.Empty(t, frames)
	require.Same(t, err, dec.Err())

	_, err4 := dec.Feed([]byte("1"))
	require.Same(t, err, err4)
}

func TestDecoder_Reset(t *testing.T) {
	dec := NewDecoder()
	_, err := dec.Feed([]byte("3:ab"))
	require.NoError(t, err)
	require.True(t, dec.Pending())

	dec.Reset()
	require.False(t, dec.Pending())
	require.Zero(t, dec.Buffered())

	_, err = dec.Feed([]byte("?"))
	require.Error(t, err)
	dec.Reset()
	require.NoError(t, dec.Err())

	frames, err := dec.Feed([]byte("1:z,"))
	require.NoError(t, err)
	require.Equal(t, []string{"z"}, frameStrings(frames))
}

func TestDecoder_MaxFrameLength(t *testing.T) {
	dec := NewDecoder(MaxFrameLength(10))

	frames, err := dec.Feed([]byte("10:0123456789,"))
	require.NoError(t, err)
	require.Len(t, frames, 1)

	// Rejected on the second digit, before the payload shows up.
	_, err = dec.Feed([]byte("11"))
	require.ErrorIs(t, err, ErrFrameTooLarge)

	var formatErr *FormatError
	require.ErrorAs(t, err, &formatErr)
	require.EqualValues(t, 15, formatErr.Offset)
}

func TestDecoder_LengthOverflow(t *testing.T) {
	dec := NewDecoder()
	_, err := dec.Feed([]byte(strings.Repeat("9", 40) + ":"))
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecoder_HugeDeclaredLength(t *testing.T) {
	dec := NewDecoder()
	_, err := dec.Feed([]byte("1000000000000:abc"))
	require.NoError(t, err)
	require.True(t, dec.Pending())
	require.Equal(t, 3, dec.Buffered())
	require.LessOrEqual(t, cap(dec.state.frame), maxPrealloc)
}

func TestDecoder_FeedFunc(t *testing.T) {
	dec := NewDecoder()

	var got []string
	err := dec.FeedFunc([]byte("1:a,2:bc,"), func(frame []byte) error {
		got = append(got, string(frame))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "bc"}, got)
}

func TestDecoder_FeedFunc_CallbackError(t *testing.T) {
	dec := NewDecoder()
	stop := errors.New("stop")

	calls := 0
	err := dec.FeedFunc([]byte("1:a,1:b,"), func(frame []byte) error {
		calls++
		return stop
	})
	require.Same(t, stop, err)
	require.Equal(t, 1, calls)

	_, err = dec.Feed([]byte("1:c,"))
	require.Same(t, stop, err)
}

func TestAdvance_OneFrameAtATime(t *testing.T) {
	buf := []byte("1:a,1:b,")

	st, n, frame, err := advance(parseState{}, buf, 0, frameConfig{})
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, "a", string(frame))
	require.Equal(t, awaitingLength, st.phase)

	st, n, frame, err = advance(st, buf[n:], int64(n), frameConfig{})
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, "b", string(frame))
	require.Equal(t, awaitingLength, st.phase)
}

func TestAdvance_Phases(t *testing.T) {
	tests := []struct {
		input string
		phase phase
	}{
		{"", awaitingLength},
		{"4", awaitingLength},
		{"4:", awaitingPayload},
		{"4:ab", awaitingPayload},
		{"4:abcd", awaitingTerminator},
		{"0:", awaitingTerminator},
		{"4;", failed},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			st, n, frame, _ := advance(parseState{}, []byte(tt.input), 0, frameConfig{})
			require.Nil(t, frame)
			require.Equal(t, tt.phase, st.phase, "state %s", st.phase)
			if tt.phase != failed {
				require.Equal(t, len(tt.input), n)
			}
		})
	}
}

func TestAdvance_FailedStateConsumesNothing(t *testing.T) {
	boom := errors.New("boom")
	st, n, frame, err := advance(parseState{}.fail(boom), []byte("1:a,"), 0, frameConfig{})
	require.Same(t, boom, err)
	require.Zero(t, n)
	require.Nil(t, frame)
	require.Equal(t, failed, st.phase)
}

func TestDecoder_KeepHeader(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"single", "11:hello world,", []string{"11:hello world,"}},
		{"empty payload", "0:,", []string{"0:,"}},
		{"several", "1:a,2:bc,0:,", []string{"1:a,", "2:bc,", "0:,"}},
		{"binary", "3:\x00,:,", []string{"3:\x00,:,"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frames, err := NewDecoder(KeepHeader()).Feed([]byte(tt.input))
			require.NoError(t, err)
			require.Equal(t, tt.want, frameStrings(frames))
		})
	}
}

func TestDecoder_KeepHeader_SplitEverywhere(t *testing.T) {
	const wire = "11:hello world,"

	for i := 0; i <= len(wire); i++ {
		dec := NewDecoder(KeepHeader())
		first, err := dec.Feed([]byte(wire[:i]))
		require.NoError(t, err)
		second, err := dec.Feed([]byte(wire[i:]))
		require.NoError(t, err)
		require.Equal(t, []string{wire}, frameStrings(append(first, second...)), "cut at %d", i)
		require.False(t, dec.Pending())
	}
}

func TestDecoder_KeepHeader_MaxFrameLength(t *testing.T) {
	dec := NewDecoder(KeepHeader(), MaxFrameLength(5))

	frames, err := dec.Feed([]byte("5:hello,"))
	require.NoError(t, err)
	require.Equal(t, []string{"5:hello,"}, frameStrings(frames))

	_, err = dec.Feed([]byte("6:"))
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecoder_LengthFieldOffset(t *testing.T) {
	tests := []struct {
		name   string
		offset int
		input  string
		want   []string
	}{
		{"one byte tag", 1, "\xff11:hello world,", []string{"hello world"}},
		{"tag per frame", 1, "\x011:a,\x022:bc,", []string{"a", "bc"}},
		{"tag holds delimiters", 2, ":,1:a,", []string{"a"}},
		{"empty payload", 3, "abc0:,", []string{""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frames, err := NewDecoder(LengthFieldOffset(tt.offset)).Feed([]byte(tt.input))
			require.NoError(t, err)
			require.Equal(t, tt.want, frameStrings(frames))
		})
	}
}

func TestDecoder_LengthFieldOffset_SplitEverywhere(t *testing.T) {
	const wire = "\xfe\xff11:hello world,\x00\x002:ok,"

	for i := 0; i <= len(wire); i++ {
		dec := NewDecoder(LengthFieldOffset(2))
		first, err := dec.Feed([]byte(wire[:i]))
		require.NoError(t, err)
		second, err := dec.Feed([]byte(wire[i:]))
		require.NoError(t, err)
		require.Equal(t, []string{"hello world", "ok"}, frameStrings(append(first, second...)), "cut at %d", i)
	}
}

func TestDecoder_LengthFieldOffset_KeepHeader(t *testing.T) {
	dec := NewDecoder(LengthFieldOffset(1), KeepHeader())
	frames, err := dec.Feed([]byte("\xff11:hello world,"))
	require.NoError(t, err)
	require.Equal(t, []string{"\xff11:hello world,"}, frameStrings(frames))
}

func TestDecoder_LengthFieldOffset_Pending(t *testing.T) {
	dec := NewDecoder(LengthFieldOffset(2))
	require.False(t, dec.Pending())

	_, err := dec.Feed([]byte("v"))
	require.NoError(t, err)
	require.True(t, dec.Pending())
	require.Zero(t, dec.Buffered())

	dec.Reset()
	require.False(t, dec.Pending())
	require.Equal(t, skippingPrefix, dec.state.phase)

	frames, err := dec.Feed([]byte("v11:a,"))
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, frameStrings(frames))
}

func TestDecoder_LengthFieldOffset_ErrorOffset(t *testing.T) {
	dec := NewDecoder(LengthFieldOffset(3))
	frames, err := dec.Feed([]byte("abc1:a,defx"))
	require.ErrorIs(t, err, ErrMalformedLength)
	require.Equal(t, []string{"a"}, frameStrings(frames))

	var formatErr *FormatError
	require.ErrorAs(t, err, &formatErr)
	require.EqualValues(t, 10, formatErr.Offset)
}

func TestAdvance_SkippingPrefix(t *testing.T) {
	cfg := frameConfig{lengthFieldOffset: 2}

	st, n, frame, err := advance(cfg.initial(), []byte("x"), 0, cfg)
	require.NoError(t, err)
	require.Nil(t, frame)
	require.Equal(t, 1, n)
	require.Equal(t, skippingPrefix, st.phase)

	st, n, frame, err = advance(st, []byte("y1:a,"), 1, cfg)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "a", string(frame))
	require.Equal(t, skippingPrefix, st.phase)
	require.Zero(t, st.skipped)
}
