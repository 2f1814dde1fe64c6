package crm

// request is the JSON body posted to every webhook method.
type request struct {
	Fields map[string]interface{} `json:"fields,omitempty"`
	Filter map[string]interface{} `json:"filter,omitempty"`
	Select []string               `json:"select,omitempty"`
	Order  map[string]string      `json:"order,omitempty"`
	ID     interface{}            `json:"id,omitempty"`
}

// response is the generic Bitrix24-style webhook envelope: a successful
// call carries Result (shape depends on method), an error carries Error
// and ErrorDescription instead.
type response struct {
	Result           interface{} `json:"result"`
	Error            string      `json:"error"`
	ErrorDescription string      `json:"error_description"`
}

// Custom field identifiers on the Bitrix24 deal entity, carried over
// unchanged from the legacy integration's field map so an operator
// inspecting the CRM sees the same field IDs it always used.
const (
	fieldExternalID       = "UF_CRM_1769072841035"
	fieldAppointmentStart = "UF_CRM_1769008900"
	fieldDoctor           = "UF_CRM_1769008996"
	fieldServices         = "UF_CRM_1769009098"
	fieldTreatmentPlan    = "UF_CRM_1769167266723"
	fieldTreatmentPlanHash = "UF_CRM_1769167398642"
	fieldComment          = "UF_CRM_1769494714842"
)

const dealTitleDefault = "Appointment"
