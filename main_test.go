package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tomaslejdung/slidepeep/pkg/settings"
)

func TestPresentAcceptsPresentations(t *testing.T) {
	tests := []struct {
		path    string
		wantErr bool
	}{
		{"Deck.pptx", false},
		{"/talks/Keynote.key", false},
		{"notes.txt", true},
		{"DECK.PPTX", true},
		{"/talks.pptx/readme", true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			err := presentCmd.Args(presentCmd, []string{tt.path})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
	assert.Error(t, presentCmd.Args(presentCmd, nil))
}

func TestServeDefaultsMatchSettings(t *testing.T) {
	port, err := serveCmd.Flags().GetInt("port")
	assert.NoError(t, err)
	assert.Equal(t, settings.DefaultSignalPort, port)
	assert.Equal(t, settings.DefaultSettings().SignalURL, LocalSignalServer)
}
