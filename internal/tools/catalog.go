package tools

import "github.com/javierd009/agente-portero/pkg/realtime"

// Catalog returns the tool descriptors announced to the model. Names and
// parameter schemas are the contract the conversation is built on; changing
// them requires retuning the system prompt.
func (r *Runtime) Catalog() []realtime.Tool {
	return []realtime.Tool{
		{
			Name:        "find_resident",
			Description: "Busca residentes del condominio por nombre o número de casa. Devuelve hasta 5 coincidencias.",
			Parameters: schema(map[string]any{
				"name": prop("string", "Nombre del residente tal como lo dijo el visitante"),
				"unit": prop("string", "Número de casa o apartamento"),
			}),
		},
		{
			Name:        "check_preauthorized_visitor",
			Description: "Verifica si el visitante ya tiene una autorización vigente del residente.",
			Parameters: schema(map[string]any{
				"visitor_name": prop("string", "Nombre del visitante"),
				"resident_id":  prop("string", "Identificador del residente anfitrión"),
				"unit":         prop("string", "Número de casa del residente"),
			}),
		},
		{
			Name:        "request_authorization",
			Description: "Envía al residente una solicitud de autorización para el visitante que está en portería.",
			Parameters: schema(map[string]any{
				"resident_id":     prop("string", "Identificador del residente"),
				"visitor_name":    prop("string", "Nombre del visitante"),
				"visitor_company": prop("string", "Empresa del visitante, si aplica"),
				"visit_reason":    prop("string", "Motivo de la visita"),
			}, "resident_id", "visitor_name"),
		},
		{
			Name:        "open_gate",
			Description: "Abre el portón vehicular para un visitante autorizado.",
			Parameters: schema(map[string]any{
				"visitor_name": prop("string", "Nombre del visitante"),
				"resident_id":  prop("string", "Identificador del residente que autorizó"),
				"authorization_type": map[string]any{
					"type":        "string",
					"enum":        []string{"preauthorized", "realtime", "guard_override"},
					"description": "Cómo se autorizó la apertura",
				},
			}, "visitor_name", "authorization_type"),
		},
		{
			Name:        "transfer_to_guard",
			Description: "Transfiere la llamada al oficial de seguridad cuando no es posible resolver la visita.",
			Parameters: schema(map[string]any{
				"reason": prop("string", "Motivo de la transferencia"),
			}, "reason"),
		},
		{
			Name:        "log_visit",
			Description: "Registra el resultado de la visita en la bitácora.",
			Parameters: schema(map[string]any{
				"visitor_name": prop("string", "Nombre del visitante"),
				"resident_id":  prop("string", "Identificador del residente visitado"),
				"unit":         prop("string", "Número de casa visitada"),
				"status": map[string]any{
					"type":        "string",
					"enum":        []string{"authorized", "denied", "pending", "transferred_to_guard"},
					"description": "Resultado de la visita",
				},
				"notes": prop("string", "Observaciones adicionales"),
			}, "visitor_name", "status"),
		},
	}
}

// schema builds a JSON-schema object with the given properties and required
// field names.
func schema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}
