package factcheck

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/MrWong99/medscribe/internal/gateway"
	"github.com/MrWong99/medscribe/internal/observe"
	"github.com/MrWong99/medscribe/pkg/types"
)

// RiskCategory classifies a patient risk.
type RiskCategory string

const (
	RiskAllergy    RiskCategory = "allergy"
	RiskChronic    RiskCategory = "chronic"
	RiskMedication RiskCategory = "medication"
	RiskPopulation RiskCategory = "population"
	RiskVital      RiskCategory = "vital"
	RiskOther      RiskCategory = "other"
)

// Risk is one flagged patient risk. Level 1 is high, 3 is low.
type Risk struct {
	Level    int          `json:"level"`
	Category RiskCategory `json:"category"`
	Content  string       `json:"content"`
}

// PatientInfo is the input of [Checker.AnalyzeRisks]. Empty history fields
// are sent as 无.
type PatientInfo struct {
	Name                    string `json:"patientName"`
	Gender                  string `json:"gender"`
	Age                     string `json:"age"`
	ChiefComplaint          string `json:"chiefComplaint,omitempty"`
	HistoryOfPresentIllness string `json:"historyOfPresentIllness,omitempty"`
	PastMedicalHistory      string `json:"pastMedicalHistory,omitempty"`
	AllergyHistory          string `json:"allergyHistory,omitempty"`
	Diagnosis               string `json:"diagnosis,omitempty"`
}

const riskSystemPrompt = `你是一名资深的临床医疗风险评估专家。你的任务是根据提供的患者信息和历史病历数据，分析潜在的健康风险点。

**核心原则：**
1. **严格区分【当前就诊】与【历史记录】**：
   - 风险项主要应当基于 **当前就诊** (主诉、现病史) 中的急症迹象。
   - 对于 **历史记录** (既往史、上次就诊记录等)，**必须忽略** 其中描述的急性症状（如"30分钟前呼吸困难"、"昨天发热"等），除非该症状被描述为长期反复发作的慢性病。
   - **历史急症不等于当前风险**：如果患者"上次就诊"有呼吸困难，但"本次就诊"主诉为空或无相关描述，则**绝对不要**提示气道风险。
   - **排除已治愈急症**：对于既往史或上次就诊中记录的 **急性且可治愈** 的疾病（如急性荨麻疹、上呼吸道感染、急性胃肠炎等），及其伴随的症状（如呼吸不畅、发热、皮疹），只要不是慢性复发性疾病，**即使症状看起来很严重，或者使用了"曾出现"这样的描述，也绝对不要作为风险项输出**。请完全忽略它们。

2. **风险分类标准**：
   - **过敏风险 (allergy)**: 必须有明确的药物或食物过敏史（如青霉素、海鲜）。此项永远需要提示，无论是否当前发作。
   - **慢性病风险 (chronic)**: 既往确诊的高血压、糖尿病、哮喘、冠心病、慢阻肺等长期疾病。
   - **用药风险 (medication)**: 长期服用抗凝药、激素等特殊药物。
   - **特殊人群 (population)**: 仅针对高龄(>65岁)、低龄(<6岁)、孕妇。
   - **生命体征/急症 (vital)**: **仅限本次就诊** 主诉或现病史中提示的高热、呼吸困难、胸痛、意识障碍、剧烈疼痛等急危重症迹象。**历史记录中的此类描述一律忽略**。
   - **其他 (other)**: 其他持续性风险。**严禁**包含已愈合的外伤、已治愈的急性感染、或历史上的单次急症发作（如"曾出现呼吸困难"）。

**输出规则：**
- 输出必须是标准的 JSON 数组格式。
- 每个风险项包含：
    - ` + "`level`" + `: 风险等级 (1=高风险/红色, 2=中风险/橙色, 3=低风险/黄色)。
    - ` + "`category`" + `: 风险类别 (allergy, chronic, medication, population, vital, other)。
    - ` + "`content`" + `: 简短明确的风险提示内容（不超过20字）。
- 如果没有符合上述定义的显著风险，请返回空数组 []。
- 不要包含 markdown 标记 (如 ` + "```json" + `)，直接返回 JSON 字符串。`

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "无"
	}
	return s
}

func (p PatientInfo) prompt() string {
	return fmt.Sprintf(`患者信息：
姓名: %s
性别: %s
年龄: %s
主诉: %s
现病史: %s
既往史: %s
过敏史: %s
初步诊断: %s`,
		p.Name, p.Gender, p.Age,
		orNone(p.ChiefComplaint),
		orNone(p.HistoryOfPresentIllness),
		orNone(p.PastMedicalHistory),
		orNone(p.AllergyHistory),
		orNone(p.Diagnosis),
	)
}

// AnalyzeRisks asks the model for patient risks. Like the checks it never
// fails: any error yields an empty list.
func (c *Checker) AnalyzeRisks(ctx context.Context, p PatientInfo, opts ...gateway.CallOption) []Risk {
	ctx, span := observe.StartSpan(ctx, "factcheck.risks")
	defer span.End()

	raw, err := c.chat.Chat(ctx, []types.Message{
		{Role: types.RoleSystem, Content: riskSystemPrompt},
		{Role: types.RoleUser, Content: p.prompt()},
	}, opts...)
	if err != nil {
		observe.Logger(ctx).Warn("risk analysis failed", "err", err)
		return []Risk{}
	}
	risks, err := NormalizeRisks(raw)
	if err != nil {
		observe.Logger(ctx).Warn("risk analysis reply unusable", "err", err)
	}
	return risks
}

// NormalizeRisks parses the first JSON array of raw. Entries need a level
// of 1 to 3 and non-empty content; an unknown category becomes other.
func NormalizeRisks(raw string) ([]Risk, error) {
	out := []Risk{}
	arr, ok := firstBalanced(stripFences(raw), '[', ']')
	if !ok {
		return out, fmt.Errorf("factcheck: no JSON array in reply")
	}
	if !gjson.Valid(arr) {
		return out, errInvalidJSON
	}
	for _, item := range gjson.Parse(arr).Array() {
		level := item.Get("level")
		content := strings.TrimSpace(item.Get("content").String())
		if level.Type != gjson.Number || level.Int() < 1 || level.Int() > 3 || float64(level.Int()) != level.Num || content == "" {
			continue
		}
		out = append(out, Risk{
			Level:    int(level.Int()),
			Category: riskCategoryOf(item.Get("category").String()),
			Content:  content,
		})
	}
	return out, nil
}

func riskCategoryOf(s string) RiskCategory {
	switch c := RiskCategory(s); c {
	case RiskAllergy, RiskChronic, RiskMedication, RiskPopulation, RiskVital, RiskOther:
		return c
	}
	return RiskOther
}
