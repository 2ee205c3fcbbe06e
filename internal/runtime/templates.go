package runtime

// R script templates, rendered with mustache. Scripts reference only
// session-relative paths so the same script runs bind-mounted in a
// container or directly in the session directory.

const fitModelR = `
input <- jsonlite::fromJSON("{{input_path}}", simplifyDataFrame = TRUE)
records <- input$records

suppressMessages(library(meta))

if (isTRUE(input$binary)) {
  fit <- metabin(
    event.e = records$events_treatment, n.e = records$n_treatment,
    event.c = records$events_control, n.c = records$n_control,
    studlab = records$name,
    sm = input$effect_measure,
    common = identical(input$model, "fixed"),
    random = identical(input$model, "random"),
    method.random.ci = if (isTRUE(input$hartung_knapp)) "HK" else "classic",
    level = input$confidence_level
  )
} else {
  fit <- metacont(
    n.e = records$n_treatment, mean.e = records$mean_treatment, sd.e = records$sd_treatment,
    n.c = records$n_control, mean.c = records$mean_control, sd.c = records$sd_control,
    studlab = records$name,
    sm = input$effect_measure,
    common = identical(input$model, "fixed"),
    random = identical(input$model, "random"),
    method.random.ci = if (isTRUE(input$hartung_knapp)) "HK" else "classic",
    level = input$confidence_level
  )
}

random <- identical(input$model, "random")
te <- if (random) fit$TE.random else fit$TE.common
lower <- if (random) fit$lower.random else fit$lower.common
upper <- if (random) fit$upper.random else fit$upper.common
pval <- if (random) fit$pval.random else fit$pval.common
zval <- if (random) fit$statistic.random else fit$statistic.common
weights <- if (random) fit$w.random else fit$w.common
`

const computeScriptTemplate = `#!/usr/bin/env Rscript
` + fitModelR + `
results <- list(
  overall_effect = list(
    estimate = te, ci_lower = lower, ci_upper = upper,
    p_value = pval, z_score = zval
  ),
  heterogeneity = list(
    i_squared = fit$I2 * 100, q_statistic = fit$Q,
    tau_squared = fit$tau2, q_p_value = fit$pval.Q
  ),
  model = input$model,
  contributions = data.frame(
    record_id = records$id,
    effect = fit$TE,
    ci_lower = fit$lower,
    ci_upper = fit$upper,
    weight = weights / sum(weights) * 100
  )
)
{{#bias_assessment}}
if (length(fit$TE) >= 3) {
  bias <- metabias(fit, method.bias = "linreg", k.min = 3)
  results$bias_test <- list(
    method = "Egger regression",
    statistic = unname(bias$statistic),
    p_value = unname(bias$p.value)
  )
}
{{/bias_assessment}}
jsonlite::write_json(results, "{{results_path}}", auto_unbox = TRUE, digits = 10)
`

const forestScriptTemplate = `#!/usr/bin/env Rscript
` + fitModelR + `
png("{{plot_path}}", width = 1000, height = 200 + 40 * nrow(records), res = 110)
forest(fit)
dev.off()
`

const funnelScriptTemplate = `#!/usr/bin/env Rscript
` + fitModelR + `
png("{{plot_path}}", width = 800, height = 700, res = 110)
funnel(fit, studlab = FALSE)
dev.off()
`
