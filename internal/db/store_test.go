package db

import (
	"github.com/dbkeeper/dbkeeper/internal/audit"
	"github.com/dbkeeper/dbkeeper/internal/backup"
	"github.com/dbkeeper/dbkeeper/internal/hub"
	"github.com/dbkeeper/dbkeeper/internal/storage"
)

var (
	_ backup.Store  = (*DB)(nil)
	_ storage.Store = (*DB)(nil)
	_ hub.Store     = (*DB)(nil)
	_ audit.Store   = (*DB)(nil)
)
