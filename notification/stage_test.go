package notification

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStageStringRoundTrip(t *testing.T) {
	require := require.New(t)
	for _, stage := range []Stage{StageInitial, StageAbstract, StageBase, StageFinal} {
		parsed, err := ParseStage(stage.String())
		require.NoError(err)
		require.Equal(stage, parsed)
	}
	_, err := ParseStage("bogus")
	require.Error(err)
}

func TestRequestIDs(t *testing.T) {
	require := require.New(t)
	require.Equal("ECHOECHO00AA-initial", RequestID("ECHOECHO00AA", StageInitial))
	require.Equal([]string{
		"ECHOECHO00AA-initial",
		"ECHOECHO00AA-abstract",
		"ECHOECHO00AA-base",
		"ECHOECHO00AA-final",
	}, allRequestIDs("ECHOECHO00AA"))
	require.Equal([]string{
		"ECHOECHO00AA-initial",
		"ECHOECHO00AA-abstract",
	}, earlierRequestIDs("ECHOECHO00AA", StageBase))
	require.Empty(earlierRequestIDs("ECHOECHO00AA", StageInitial))
}
