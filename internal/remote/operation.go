package remote

// Variables are the GraphQL variables of one call.
type Variables map[string]any

// Operation is a named GraphQL document.
type Operation struct {
	Name     string
	Document string
	Mutation bool
}

// Query declares a read operation.
func Query(name, document string) Operation {
	return Operation{Name: name, Document: document}
}

// Mutation declares a write operation.
func Mutation(name, document string) Operation {
	return Operation{Name: name, Document: document, Mutation: true}
}

func (o Operation) kind() string {
	if o.Mutation {
		return "mutation"
	}
	return "query"
}
