package plugin

import (
	"context"
	"fmt"
	"strings"

	"github.com/doriancollier/relay/internal/adapters"
	"github.com/doriancollier/relay/internal/schema"
)

// Structural probes for the adapter capability. A loaded candidate is
// adapted to the full contract member by member so a failure can name the
// specific missing piece.
type (
	hasID          interface{ ID() string }
	hasPrefixes    interface{ SubjectPrefixes() []string }
	hasDisplayName interface{ DisplayName() string }
	canStart       interface{ Start(ctx context.Context) error }
	canStop        interface{ Stop(ctx context.Context) error }
	canDeliver     interface {
		Deliver(ctx context.Context, env *schema.Envelope) error
	}
	hasStatus interface{ Status() schema.AdapterStatus }
)

// validateAdapter structurally checks the candidate against the adapter
// contract and reports every missing member by name.
func validateAdapter(candidate any) (adapters.Adapter, error) {
	if candidate == nil {
		return nil, fmt.Errorf("adapter factory returned nil")
	}

	var missing []string
	if _, ok := candidate.(hasID); !ok {
		missing = append(missing, "id")
	}
	if _, ok := candidate.(hasPrefixes); !ok {
		missing = append(missing, "subjectPrefix")
	}
	if _, ok := candidate.(hasDisplayName); !ok {
		missing = append(missing, "displayName")
	}
	if _, ok := candidate.(canStart); !ok {
		missing = append(missing, "start")
	}
	if _, ok := candidate.(canStop); !ok {
		missing = append(missing, "stop")
	}
	if _, ok := candidate.(canDeliver); !ok {
		missing = append(missing, "deliver")
	}
	if _, ok := candidate.(hasStatus); !ok {
		missing = append(missing, "getStatus")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("adapter candidate missing required member(s): %s", strings.Join(missing, ", "))
	}

	adapter, ok := candidate.(adapters.Adapter)
	if !ok {
		// Every member probe passed, so this only trips on a contract drift.
		return nil, fmt.Errorf("adapter candidate does not satisfy the adapter contract")
	}
	if strings.TrimSpace(adapter.ID()) == "" {
		return nil, fmt.Errorf("adapter candidate reports an empty id")
	}
	if len(adapter.SubjectPrefixes()) == 0 {
		return nil, fmt.Errorf("adapter candidate reports no subject prefixes")
	}
	return adapter, nil
}
