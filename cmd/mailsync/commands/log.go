package commands

import (
	"github.com/btcsuite/btclog/v2"
	"github.com/roasbeef/mailsync/internal/build"
	"github.com/roasbeef/mailsync/internal/flush"
	"github.com/roasbeef/mailsync/internal/index"
	"github.com/roasbeef/mailsync/internal/journal"
	"github.com/roasbeef/mailsync/internal/maildb"
	"github.com/roasbeef/mailsync/internal/mcp"
	"github.com/roasbeef/mailsync/internal/search"
)

// Subsystem is the logging code of the CLI itself.
const Subsystem = "MSYN"

var log = btclog.Disabled

// setupLoggers hands every subsystem its logger.
func setupLoggers(m *build.LogManager) {
	log = m.Logger(Subsystem)

	index.UseLogger(m.Logger(index.Subsystem))
	maildb.UseLogger(m.Logger(maildb.Subsystem))
	search.UseLogger(m.Logger(search.Subsystem))
	flush.UseLogger(m.Logger(flush.Subsystem))
	journal.UseLogger(m.Logger(journal.Subsystem))
	mcp.UseLogger(m.Logger(mcp.Subsystem))
}
