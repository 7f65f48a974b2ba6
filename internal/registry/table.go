package registry

// Table identifies which physical record kind a context belongs to.
type Table int

const (
	_ Table = iota
	TableEntity
	TableNode
	TableProperty
	TableAlias
	TableRelationship
	TableName
)

var tableNames = map[Table]string{
	TableEntity:       "entity",
	TableNode:         "node",
	TableProperty:     "property",
	TableAlias:        "alias",
	TableRelationship: "relationship",
	TableName:         "name",
}

func (t Table) String() string {
	if name, ok := tableNames[t]; ok {
		return name
	}
	return "unknown"
}

// Storage identifies how a property or node value is encoded at rest.
type Storage int

const (
	StorageNull Storage = iota
	StorageInt
	StorageBytes
	StorageUTF8
	StorageSerialized
)

// Search identifies the lookup strategy configured for a name context.
type Search int

const (
	SearchNone Search = iota
	SearchPrefix
	SearchPhonetic
)
