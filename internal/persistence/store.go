package persistence

// ObjectType names one independently persisted registry field.
type ObjectType string

const (
	ObjectStrategies      ObjectType = "strategies"
	ObjectTradesOpen      ObjectType = "trades_open"
	ObjectVirtualBalances ObjectType = "virtual_balances"
	ObjectBalanceHistory  ObjectType = "balance_history"
)

// RecordType names one append-only log stream.
type RecordType string

const (
	RecordTransactions RecordType = "transactions"
)

// Store abstracts the durable checkpoint and record-log storage from the rest
// of the engine. Implementations must make SaveObjects atomic across the
// supplied object types.
type Store interface {
	// SaveObjects persists each object blob under its type in one transaction.
	SaveObjects(objects map[ObjectType][]byte) error

	// LoadObject returns the blob stored for the type, or (nil, nil) when the
	// type has never been saved.
	LoadObject(objType ObjectType) ([]byte, error)

	// AppendRecord appends one row to the named log. When the log exceeds
	// maxRows the oldest ~5% of rows are pruned.
	AppendRecord(recType RecordType, row []byte, maxRows int) error

	// LoadRecords returns up to limit most recent rows of the named log,
	// newest last.
	LoadRecords(recType RecordType, limit int) ([][]byte, error)

	// Close releases the underlying database.
	Close() error
}
