package constants

// Relation types
const (
	// RelationMentions links a memory record to an entity extracted from it
	RelationMentions = "MENTIONS"

	// RecordNodeType marks the graph node standing in for a memory record
	RecordNodeType = "MemoryRecord"
)

// Retrieval constants
const (
	// DefaultTraversalLimit caps the neighbours returned by a bounded traversal
	DefaultTraversalLimit = 50

	// RecallHeader prefixes recalled memories injected into the host context
	RecallHeader = "\n\n[RECALLED SEMANTIC MEMORY]:\n"
)

// Indexing constants
const (
	// DefaultConfidence is used when the extractor reports no score
	DefaultConfidence = 1.0

	// DefaultRelationWeight is the weight of a MENTIONS edge
	DefaultRelationWeight = 1.0
)

// Embedding constants
const (
	// FallbackEmbeddingDimension is used when the embedder cannot be probed
	FallbackEmbeddingDimension = 1536

	// DimensionProbeText is embedded once at startup to learn the dimension
	DimensionProbeText = "dimension probe"
)

// Store layout
const (
	VectorDirName = "vector"
	GraphDirName  = "graph"
)
