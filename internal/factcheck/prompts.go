package factcheck

import "strings"

// responseFormat is appended to every system prompt. content describes what
// the model should quote for a flagged item.
func responseFormat(content string) string {
	return `请以 JSON 格式返回检查结果，格式如下：
{
  "hasIssues": true/false,
  "issues": [
    {
      "severity": "high/medium/low",
      "content": "` + content + `",
      "issue": "问题描述",
      "suggestion": "修正建议（可选）"
    }
  ]
}

如果没有发现问题，返回 { "hasIssues": false, "issues": [] }`
}

var systemPrompts = map[Kind]string{
	KindDiagnosis: `你是一位专业的医疗事实核查员。你的任务是检查诊断建议是否符合医学规范和临床实践。

你需要检查以下方面：
1. 诊断名称是否规范（符合 ICD-10 标准）
2. 诊断是否与症状相符
3. 是否存在明显的逻辑错误
4. 是否有潜在的诊断风险
5. 优先判断诊断是否有明显错误，无明显事实性错误可考虑不提示

` + responseFormat("有问题的诊断名称"),

	KindMedicine: `你是一位专业的临床药师，负责审核药物使用的合理性。

你需要检查以下方面：
1. 药物名称是否规范
2. 剂量是否合理（是否超出常规范围）
3. 用法用量是否符合药典标准
4. 是否与诊断相符
5. 是否存在明显的用药风险

` + responseFormat("有问题的药物信息"),

	KindExamination: `你是一位专业的临床检验专家，负责审核检查项目的合理性。

你需要检查以下方面：
1. 检查项目名称是否规范
2. 检查项目是否与诊断相关
3. 是否存在重复或不必要的检查
4. 是否遗漏了必要的检查

` + responseFormat("有问题的检查项目"),

	KindMedicalRecord: `你是一位经验丰富的主治医师，负责审核病历记录的完整性和一致性。

你需要检查以下方面：
1. 主诉、现病史、诊断之间是否逻辑一致
2. 药物、检查项目是否与诊断相符
3. 病历书写是否规范
4. 是否存在明显的医疗风险

` + responseFormat("有问题的内容"),
}

// promptBuilder writes labelled lines, skipping empty values.
type promptBuilder struct {
	strings.Builder
}

func newPrompt(heading string) *promptBuilder {
	b := &promptBuilder{}
	b.WriteString(heading)
	b.WriteString("\n\n")
	return b
}

func (b *promptBuilder) line(label, value string) {
	if value == "" {
		return
	}
	b.WriteString(label)
	b.WriteString("：")
	b.WriteString(value)
	b.WriteString("\n")
}

func (b *promptBuilder) list(label string, values []string) {
	b.line(label, strings.Join(values, "、"))
}

func (c DiagnosisContext) prompt() string {
	b := newPrompt("请检查以下诊断是否合理：")
	b.line("诊断", c.Diagnosis)
	b.line("主诉", c.ChiefComplaint)
	b.line("现病史", c.HistoryOfPresentIllness)
	b.list("症状", c.Symptoms)
	return b.String()
}

func (c MedicineContext) prompt() string {
	b := newPrompt("请检查以下药物使用是否合理：")
	b.line("药物名称", c.MedicineName)
	b.line("规格", c.Specification)
	b.line("用量", c.Dosage)
	b.line("用法", c.Frequency)
	b.line("诊断", c.Diagnosis)
	return b.String()
}

func (c ExaminationContext) prompt() string {
	b := newPrompt("请检查以下检查项目是否合理：")
	b.line("检查项目", c.ExaminationName)
	b.line("类别", c.Category)
	b.line("诊断", c.Diagnosis)
	b.list("症状", c.Symptoms)
	return b.String()
}

func (c MedicalRecordContext) prompt() string {
	b := newPrompt("请检查以下病历记录是否完整、一致、合理：")
	b.line("主诉", c.ChiefComplaint)
	b.line("现病史", c.HistoryOfPresentIllness)
	b.list("诊断", c.Diagnoses)
	b.list("药物", c.Medicines)
	b.list("检查", c.Examinations)
	return b.String()
}
