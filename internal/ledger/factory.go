package ledger

import (
	"fmt"

	"creditledger/internal/storage"
)

// NewStore creates the balance store matching the storage backend.
func NewStore(st storage.Storage) (Store, error) {
	switch st.Type() {
	case storage.TypeMongoDB:
		return NewMongoDBStore(st.MongoDatabase())
	case storage.TypePostgreSQL:
		return NewPostgreSQLStore(st.PostgreSQLPool())
	case storage.TypeSQLite:
		return NewSQLiteStore(st.SQLiteDB())
	default:
		return nil, fmt.Errorf("unsupported storage type for balances: %s", st.Type())
	}
}
