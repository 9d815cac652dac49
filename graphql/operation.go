package graphql

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"github.com/vektah/gqlparser/v2/parser"
)

// Operation is a parsed request ready for execution.
type Operation struct {
	// ID is the client-generated operation id. It is empty for operations
	// executed over a distinct connection.
	ID          string
	Request     *Request
	Document    *ast.QueryDocument
	Definition  *ast.OperationDefinition
	HTTPRequest *http.Request
}

// Type reports whether the operation is a query, mutation or subscription.
func (o *Operation) Type() ast.Operation {
	if o == nil || o.Definition == nil {
		return ""
	}
	return o.Definition.Operation
}

// Name returns the selected operation's name, which may be empty.
func (o *Operation) Name() string {
	if o == nil || o.Definition == nil {
		return ""
	}
	return o.Definition.Name
}

// NewOperation parses req and selects the operation it names. Syntax errors
// and unresolvable operation names are reported as a 400 *Rejection.
func NewOperation(r *http.Request, req *Request) (*Operation, error) {
	doc, def, err := ParseOperation(req)
	if err != nil {
		return nil, err
	}
	return &Operation{
		ID:          req.OperationID(),
		Request:     req,
		Document:    doc,
		Definition:  def,
		HTTPRequest: r,
	}, nil
}

// ParseOperation parses the request document and selects the operation to
// execute.
func ParseOperation(req *Request) (*ast.QueryDocument, *ast.OperationDefinition, error) {
	doc, err := parser.ParseQuery(&ast.Source{Name: "request", Input: req.Query})
	if err != nil {
		var gqlErr *gqlerror.Error
		if errors.As(err, &gqlErr) {
			return nil, nil, &Rejection{Status: http.StatusBadRequest, Errors: []Error{{
				Message:    gqlErr.Message,
				Extensions: locationsOf(gqlErr),
			}}}
		}
		return nil, nil, Reject(http.StatusBadRequest, err.Error())
	}

	if req.OperationName == "" && len(doc.Operations) > 1 {
		return nil, nil, Reject(http.StatusBadRequest, "Must provide operation name if query contains multiple operations")
	}
	def := doc.Operations.ForName(req.OperationName)
	if def == nil {
		if req.OperationName == "" {
			return nil, nil, Reject(http.StatusBadRequest, "Document contains no operations")
		}
		return nil, nil, Reject(http.StatusBadRequest, fmt.Sprintf("Unknown operation named %q", req.OperationName))
	}
	return doc, def, nil
}

func locationsOf(e *gqlerror.Error) map[string]any {
	if len(e.Locations) == 0 {
		return nil
	}
	locs := make([]map[string]int, 0, len(e.Locations))
	for _, l := range e.Locations {
		locs = append(locs, map[string]int{"line": l.Line, "column": l.Column})
	}
	return map[string]any{"locations": locs}
}
