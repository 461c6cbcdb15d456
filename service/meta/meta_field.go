package meta

// MetaField 枚举项描述，供前端下拉选择和接口说明使用
type MetaField struct {
	Name         string      `json:"name"`
	DisplayName  string      `json:"display_name"`
	Type         string      `json:"type"`
	Required     bool        `json:"required"`
	DefaultValue interface{} `json:"default_value"`
	Description  string      `json:"description"`
}

// Contains 判断取值是否在枚举列表中
func Contains(fields []MetaField, name string) bool {
	for _, f := range fields {
		if f.Name == name {
			return true
		}
	}
	return false
}
